package pool

// Snapshot contains pool statistics for health polling.
type Snapshot struct {
	Name string `json:"name"`

	DedicatedTarget int `json:"dedicated_target"`
	DedicatedActual int `json:"dedicated_actual"`
	WarmTarget      int `json:"warm_target"`
	WarmActual      int `json:"warm_actual"`
	Leased          int `json:"leased"`
	ActiveSessions  int `json:"active_sessions"`

	DedicatedAllocations int64 `json:"dedicated_allocations"`
	WarmAllocations      int64 `json:"warm_allocations"`
	ColdAllocations      int64 `json:"cold_allocations"`

	ConstructionFailures int64 `json:"construction_failures"`
	WarmupFailures       int64 `json:"warmup_failures"`
	Evictions            int64 `json:"evictions"`
	RejectedReleases     int64 `json:"rejected_releases"`
}

// TotalAllocations sums allocations over every tier.
func (s Snapshot) TotalAllocations() int64 {
	return s.DedicatedAllocations + s.WarmAllocations + s.ColdAllocations
}

// HitRate returns the share of allocations served without construction.
func (s Snapshot) HitRate() float64 {
	total := s.TotalAllocations()
	if total == 0 {
		return 0
	}
	return float64(s.DedicatedAllocations+s.WarmAllocations) / float64(total)
}

// Snapshotter is implemented by every Pool regardless of its handle type.
type Snapshotter interface {
	Snapshot() Snapshot
}
