package fleet

import "sync/atomic"

// Stats 批量运行的实时统计（原子计数，随状态迁移更新）
type Stats struct {
	total      atomic.Int64
	inProgress atomic.Int64
	success    atomic.Int64
	partial    atomic.Int64
	failed     atomic.Int64
	completed  atomic.Int64
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	Total      int64
	InProgress int64
	Success    int64
	Partial    int64
	Failed     int64
	Completed  int64
}

func (s *Stats) reset(total int) {
	s.total.Store(int64(total))
	s.inProgress.Store(0)
	s.success.Store(0)
	s.partial.Store(0)
	s.failed.Store(0)
	s.completed.Store(0)
}

// Snapshot 任意时刻可读取的进度快照
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:      s.total.Load(),
		InProgress: s.inProgress.Load(),
		Success:    s.success.Load(),
		Partial:    s.partial.Load(),
		Failed:     s.failed.Load(),
		Completed:  s.completed.Load(),
	}
}
