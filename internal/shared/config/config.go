package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/types"
)

// Load reads the behavior configuration from an ini file on top of the
// built-in defaults. A missing file is not an error: defaults apply.
func Load(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if fileName == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	iniFile, err := ini.Load(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.TestConf.MaxProxies, "CONFIGSTREAM_MAX_PROXIES")
	overrideFromEnvInt(&cfg.TestConf.MaxWorkers, "CONFIGSTREAM_MAX_WORKERS")
	overrideFromEnvStr(&cfg.LogConf.Level, "CONFIGSTREAM_LOG_LEVEL")
	overrideFromEnvStr(&cfg.OutputConf.Dir, "CONFIGSTREAM_OUTPUT_DIR")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvStr(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
