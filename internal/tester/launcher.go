package tester

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

// ExecLauncher runs an external proxy core (sing-box or compatible) as a
// subprocess per config. The core receives the raw config line through a
// temp file and must expose a local HTTP proxy inbound on the port it is
// given. The launcher treats the core as a black box.
type ExecLauncher struct {
	// Command is the core binary, e.g. "sing-box-probe". It is invoked as
	// `Command <config-file> <port>`.
	Command string
	// StartupWait is how long to give the core to bind its inbound.
	StartupWait time.Duration
}

func NewExecLauncher(command string) *ExecLauncher {
	return &ExecLauncher{Command: command, StartupWait: 2 * time.Second}
}

type execInstance struct {
	cmd        *exec.Cmd
	configPath string
	proxyURL   string
}

func (i *execInstance) HTTPProxyURL() string { return i.proxyURL }

func (i *execInstance) Stop() error {
	defer os.Remove(i.configPath)
	if i.cmd.Process == nil {
		return nil
	}
	if err := i.cmd.Process.Kill(); err != nil {
		return err
	}
	_, _ = i.cmd.Process.Wait()
	return nil
}

// Launch starts the core for one config and waits for its inbound to accept
// connections.
func (l *ExecLauncher) Launch(ctx context.Context, config string) (Instance, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("no proxy core command configured")
	}

	f, err := os.CreateTemp("", "configstream-probe-*.txt")
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(config); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	f.Close()

	port, err := freePort()
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	cmd := exec.CommandContext(ctx, l.Command, f.Name(), strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to start proxy core: %w", err)
	}

	inst := &execInstance{
		cmd:        cmd,
		configPath: f.Name(),
		proxyURL:   fmt.Sprintf("http://127.0.0.1:%d", port),
	}

	if err := waitForPort(ctx, port, l.StartupWait); err != nil {
		lg := logger.WithComponent("Tester/Launcher")
		lg.Debug().Err(err).Msg("Proxy core did not come up.")
		_ = inst.Stop()
		return nil, err
	}
	return inst, nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func waitForPort(ctx context.Context, port int, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("proxy core inbound on %s never became reachable", addr)
}
