package fetch

import "sync/atomic"

// Stats counts fetch outcomes. Failures are individual attempts; blocked
// counts URLs that failed after every attempt.
type Stats struct {
	success atomic.Int64
	failure atomic.Int64
	blocked atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Success     int64
	Failure     int64
	Blocked     int64
	Attempts    int64
	SuccessRate float64
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Success: s.success.Load(),
		Failure: s.failure.Load(),
		Blocked: s.blocked.Load(),
	}
	snap.Attempts = snap.Success + snap.Failure
	if snap.Attempts > 0 {
		snap.SuccessRate = float64(snap.Success) / float64(snap.Attempts)
	}
	return snap
}

// Healthy reports whether the success rate is at least threshold. With ten
// attempts or fewer the client is assumed healthy.
func (s *Stats) Healthy(threshold float64) bool {
	snap := s.Snapshot()
	if snap.Attempts <= 10 {
		return true
	}
	return snap.SuccessRate >= threshold
}
