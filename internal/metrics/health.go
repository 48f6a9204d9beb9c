package metrics

import (
	"sort"
	"time"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/pool"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// ServiceHealth is the live state of one backend service.
type ServiceHealth struct {
	Circuit             breaker.Phase `json:"circuit"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	// Connected is true while the service holds at least one live channel.
	Connected bool       `json:"connected"`
	Pool      pool.Stats `json:"pool"`
}

type CacheHealth struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

type MemoryHealth struct {
	Entities int `json:"entities"`
	Turns    int `json:"turns"`
}

// HealthSnapshot is derived on demand; nothing in it is stored.
type HealthSnapshot struct {
	Status      string                   `json:"status"`
	GeneratedAt time.Time                `json:"generated_at"`
	Services    map[string]ServiceHealth `json:"services"`
	Tools       []ToolStats              `json:"tools"`
	Cache       CacheHealth              `json:"cache"`
	Memory      MemoryHealth             `json:"memory"`
}

// Snapshot assembles the health view. Status is degraded when any circuit is
// not closed.
func (a *Aggregator) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:      StatusHealthy,
		GeneratedAt: a.opts.Now(),
		Services:    make(map[string]ServiceHealth),
		Tools:       a.Tools(),
	}

	var pools map[string]pool.Stats
	if a.opts.Pools != nil {
		pools = a.opts.Pools.Stats()
	}
	for name, ps := range pools {
		snap.Services[name] = ServiceHealth{
			Circuit:   breaker.Closed,
			Connected: ps.InUse+ps.Idle > 0,
			Pool:      ps,
		}
	}

	if a.opts.Circuits != nil {
		for _, st := range a.opts.Circuits.States() {
			sh := snap.Services[st.Service]
			sh.Circuit = st.Phase
			sh.ConsecutiveFailures = st.ConsecutiveFailures
			if !st.OpenedAt.IsZero() && st.Phase != breaker.Closed {
				openedAt := st.OpenedAt
				sh.OpenedAt = &openedAt
			}
			snap.Services[st.Service] = sh

			if st.Phase != breaker.Closed {
				snap.Status = StatusDegraded
			}
		}
	}

	if a.opts.Cache != nil {
		cs := a.opts.Cache.Stats()
		snap.Cache = CacheHealth{Hits: cs.Hits, Misses: cs.Misses, Size: cs.Size, HitRate: cs.HitRate}
	}

	if a.opts.Memory != nil {
		ms := a.opts.Memory.Stats()
		snap.Memory = MemoryHealth{Entities: ms.Entities, Turns: ms.Turns}
	}

	return snap
}

// ServiceNames returns the service names in the snapshot, sorted.
func (h HealthSnapshot) ServiceNames() []string {
	names := make([]string, 0, len(h.Services))
	for name := range h.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
