package ix

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// tableStats holds advisory, best-effort counters: incremented on both
// success and failure paths, never totally-ordered with respect to one
// another under concurrency.
type tableStats struct {
	lookups        atomic.Uint64
	inserts        atomic.Uint64
	removes        atomic.Uint64
	collisions     atomic.Uint64
	doubleSize     atomic.Uint64
	doubleSizeFail atomic.Uint64
}

// TableStats is a point-in-time, non-atomic snapshot of tableStats.
type TableStats struct {
	Lookups        uint64
	Inserts        uint64
	Removes        uint64
	Collisions     uint64
	DoubleSize     uint64
	DoubleSizeFail uint64
}

func (s *tableStats) snapshot() TableStats {
	return TableStats{
		Lookups:        s.lookups.Load(),
		Inserts:        s.inserts.Load(),
		Removes:        s.removes.Load(),
		Collisions:     s.collisions.Load(),
		DoubleSize:     s.doubleSize.Load(),
		DoubleSizeFail: s.doubleSizeFail.Load(),
	}
}

// Log writes the snapshot as a single structured log line, the
// zap-based replacement for the original sht_dump_stats printf dump.
func (s TableStats) Log(log *zap.Logger) {
	log.Info("ix table stats",
		zap.Uint64("lookups", s.Lookups),
		zap.Uint64("inserts", s.Inserts),
		zap.Uint64("removes", s.Removes),
		zap.Uint64("collisions", s.Collisions),
		zap.Uint64("double_size", s.DoubleSize),
		zap.Uint64("double_size_fail", s.DoubleSizeFail),
	)
}

// queueStats mirrors pqueue.c's cpt_* counters.
type queueStats struct {
	inserts     atomic.Uint64
	expired     atomic.Uint64
	rescheduled atomic.Uint64
	removed     atomic.Uint64
}

// QueueStats is a point-in-time snapshot of queueStats.
type QueueStats struct {
	Inserts     uint64
	Expired     uint64
	Rescheduled uint64
	Removed     uint64
}

func (s *queueStats) snapshot() QueueStats {
	return QueueStats{
		Inserts:     s.inserts.Load(),
		Expired:     s.expired.Load(),
		Rescheduled: s.rescheduled.Load(),
		Removed:     s.removed.Load(),
	}
}

// Log writes the snapshot as a single structured log line, replacing
// pq_dump_stats's printf dump.
func (s QueueStats) Log(log *zap.Logger) {
	log.Info("ix queue stats",
		zap.Uint64("inserts", s.Inserts),
		zap.Uint64("expired", s.Expired),
		zap.Uint64("rescheduled", s.Rescheduled),
		zap.Uint64("removed", s.Removed),
	)
}

// wheelStats mirrors timer-wheel.c's cpt_* counters.
type wheelStats struct {
	expired    atomic.Uint64
	added      atomic.Uint64
	addExpired atomic.Uint64
	timerLoop  atomic.Uint64
}

// WheelStats is a point-in-time snapshot of wheelStats.
type WheelStats struct {
	Expired    uint64
	Added      uint64
	AddExpired uint64
	TimerLoop  uint64
}

func (s *wheelStats) snapshot() WheelStats {
	return WheelStats{
		Expired:    s.expired.Load(),
		Added:      s.added.Load(),
		AddExpired: s.addExpired.Load(),
		TimerLoop:  s.timerLoop.Load(),
	}
}

// Log writes the snapshot as a single structured log line, replacing
// timer_wheel_dump_stats's printf dump.
func (s WheelStats) Log(log *zap.Logger) {
	log.Info("ix wheel stats",
		zap.Uint64("expired", s.Expired),
		zap.Uint64("added", s.Added),
		zap.Uint64("add_expired", s.AddExpired),
		zap.Uint64("timer_loop", s.TimerLoop),
	)
}
