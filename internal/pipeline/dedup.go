package pipeline

import (
	"hash/fnv"
	"math/rand"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
)

// Trigger classifies what kicked off this run. The pipeline only cares about
// the shuffle-seeding consequences; mapping CI event names onto these values
// is the caller's business.
type Trigger int

const (
	TriggerUnknown Trigger = iota
	// TriggerReview: a push/PR-like event where reproducible ordering aids
	// review.
	TriggerReview
	// TriggerScheduled: recurring automation, where varied ordering avoids
	// always favoring the same early sources.
	TriggerScheduled
	// TriggerManual: a manual dispatch.
	TriggerManual
)

// RunContext carries the opaque run identity used for shuffle seeding.
type RunContext struct {
	Trigger Trigger
	RunID   string
	Seed    *int64
}

// Deduplicate drops repeats by DedupKey, first seen wins. The duplicate count
// is reported for run statistics. Dedup is a fixed point: running it on its
// own output changes nothing.
func Deduplicate(proxies []*model.Proxy) ([]*model.Proxy, int) {
	seen := make(map[string]struct{}, len(proxies))
	out := make([]*model.Proxy, 0, len(proxies))
	dupes := 0
	for _, p := range proxies {
		key := p.DedupKey()
		if _, ok := seen[key]; ok {
			dupes++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out, dupes
}

// shuffleSeed resolves the seeding policy for a run. A nil return means
// unseeded system entropy.
func shuffleSeed(rc RunContext) *int64 {
	switch rc.Trigger {
	case TriggerReview:
		if rc.Seed != nil {
			return rc.Seed
		}
	case TriggerScheduled, TriggerManual:
		if rc.RunID != "" {
			h := fnv.New64a()
			h.Write([]byte(rc.RunID))
			seed := int64(h.Sum64())
			return &seed
		}
		return nil
	}
	if rc.Seed != nil {
		return rc.Seed
	}
	return nil
}

// Shuffle reorders proxies in place per the run's seeding policy.
func Shuffle(proxies []*model.Proxy, rc RunContext) {
	var r *rand.Rand
	if seed := shuffleSeed(rc); seed != nil {
		r = rand.New(rand.NewSource(*seed))
	} else {
		r = rand.New(rand.NewSource(rand.Int63()))
	}
	r.Shuffle(len(proxies), func(i, j int) {
		proxies[i], proxies[j] = proxies[j], proxies[i]
	})
}
