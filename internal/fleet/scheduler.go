package fleet

import (
	"context"
	"sync"
	"time"

	"digil-incl-reset/internal/digil"
	"digil-incl-reset/internal/orchestrator"
	"digil-incl-reset/internal/verify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Authenticator 批量运行前的一次性认证校验
type Authenticator interface {
	Validate(ctx context.Context) error
}

// Verifier 重置后验证（见 internal/verify）
type Verifier interface {
	Verify(ctx context.Context, deviceID string, resetAt time.Time) verify.Record
}

// VerifyInput 验证任务输入：设备 ID + 该设备确认重置的时刻
type VerifyInput struct {
	DeviceID string
	ResetAt  time.Time
}

// MaintenanceStatus 维护模式快速检查结果
type MaintenanceStatus struct {
	DeviceID string
	Status   string // ON / OFF / UNKNOWN / ERROR
	Error    string
}

// Options 调度器配置
type Options struct {
	// 工作协程数量，默认 30
	Workers int
	// 进度事件缓冲大小，默认 256
	EventBuffer  int
	Orchestrator orchestrator.Options
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 30
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	return o
}

// Scheduler 批量调度器：有界并发扇出，每设备一个任务，完成顺序不保证
type Scheduler struct {
	channel  orchestrator.CommandChannel
	verifier Verifier
	authn    Authenticator
	orch     *orchestrator.Orchestrator
	opts     Options
	logger   *zap.Logger

	stats  Stats
	events chan orchestrator.Event

	mu            sync.Mutex
	records       map[string]*orchestrator.ResetRecord
	verifyRecords map[string]verify.Record
}

// NewScheduler 创建调度器
func NewScheduler(channel orchestrator.CommandChannel, checker orchestrator.LogChecker, verifier Verifier, authn Authenticator, opts Options, logger *zap.Logger) *Scheduler {
	opts = opts.withDefaults()
	events := make(chan orchestrator.Event, opts.EventBuffer)
	return &Scheduler{
		channel:       channel,
		verifier:      verifier,
		authn:         authn,
		orch:          orchestrator.New(channel, checker, opts.Orchestrator, events, logger),
		opts:          opts,
		logger:        logger,
		events:        events,
		records:       make(map[string]*orchestrator.ResetRecord),
		verifyRecords: make(map[string]verify.Record),
	}
}

// Events 进度事件流（结构化事件，每次状态迁移一条）
func (s *Scheduler) Events() <-chan orchestrator.Event {
	return s.events
}

// Stats 实时统计快照
func (s *Scheduler) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// RunReset 对整批设备执行三阶段重置，返回终态记录快照
func (s *Scheduler) RunReset(ctx context.Context, deviceIDs []string) []orchestrator.ResetRecord {
	return s.runResetPass(ctx, deviceIDs, false)
}

// RunQuick 快速模式批量下发（不轮询不重试）
func (s *Scheduler) RunQuick(ctx context.Context, deviceIDs []string) []orchestrator.ResetRecord {
	return s.runResetPass(ctx, deviceIDs, true)
}

func (s *Scheduler) runResetPass(ctx context.Context, deviceIDs []string, quick bool) []orchestrator.ResetRecord {
	runID := uuid.NewString()
	s.stats.reset(len(deviceIDs))

	log := s.logger.With(zap.String("run_id", runID))
	log.Info("Starting reset run",
		zap.Int("device_count", len(deviceIDs)),
		zap.Int("workers", s.opts.Workers),
		zap.Bool("quick_mode", quick),
	)

	// 认证只校验一次：失败则整批 ERROR，零网络调用
	if err := s.authn.Validate(ctx); err != nil {
		log.Error("Auth validation failed, failing entire run", zap.Error(err))
		out := make([]orchestrator.ResetRecord, 0, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			rec := orchestrator.NewAuthErrorRecord(runID, deviceID, err.Error())
			s.storeRecord(rec)
			s.stats.failed.Add(1)
			s.stats.completed.Add(1)
			out = append(out, rec.Snapshot())
		}
		return out
	}

	s.forEach(ctx, deviceIDs, func(ctx context.Context, deviceID string) {
		s.stats.inProgress.Add(1)
		var rec *orchestrator.ResetRecord
		if quick {
			rec = s.orch.RunQuick(ctx, runID, deviceID)
		} else {
			rec = s.orch.Run(ctx, runID, deviceID)
		}
		s.storeRecord(rec)
		s.classify(rec)
		s.stats.inProgress.Add(-1)
		s.stats.completed.Add(1)
	})

	stats := s.stats.Snapshot()
	log.Info("Reset run finished",
		zap.Int64("completed", stats.Completed),
		zap.Int64("success", stats.Success),
		zap.Int64("partial", stats.Partial),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dropped_events", s.orch.DroppedEvents()),
	)
	return s.Records()
}

// RunVerify 对已确认重置的设备批量验证
func (s *Scheduler) RunVerify(ctx context.Context, inputs []VerifyInput) []verify.Record {
	runID := uuid.NewString()
	s.stats.reset(len(inputs))

	log := s.logger.With(zap.String("run_id", runID))
	log.Info("Starting verification run", zap.Int("device_count", len(inputs)))

	if err := s.authn.Validate(ctx); err != nil {
		log.Error("Auth validation failed, failing entire run", zap.Error(err))
		out := make([]verify.Record, 0, len(inputs))
		for _, in := range inputs {
			rec := verify.Record{
				DeviceID:       in.DeviceID,
				Class:          digil.DetectDeviceClass(in.DeviceID),
				ResetTimestamp: in.ResetAt,
				Status:         verify.StatusReadError,
				FailureReason:  err.Error(),
			}
			s.storeVerifyRecord(rec)
			s.stats.failed.Add(1)
			s.stats.completed.Add(1)
			out = append(out, rec)
		}
		return out
	}

	byDevice := make(map[string]VerifyInput, len(inputs))
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		byDevice[in.DeviceID] = in
		ids = append(ids, in.DeviceID)
	}

	s.forEach(ctx, ids, func(ctx context.Context, deviceID string) {
		in := byDevice[deviceID]
		s.stats.inProgress.Add(1)
		rec := s.verifier.Verify(ctx, in.DeviceID, in.ResetAt)
		s.storeVerifyRecord(rec)
		if rec.AllOK {
			s.stats.success.Add(1)
		} else {
			s.stats.failed.Add(1)
		}
		s.stats.inProgress.Add(-1)
		s.stats.completed.Add(1)
	})

	stats := s.stats.Snapshot()
	log.Info("Verification run finished",
		zap.Int64("completed", stats.Completed),
		zap.Int64("verified", stats.Success),
		zap.Int64("failed", stats.Failed),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]verify.Record, 0, len(s.verifyRecords))
	for _, rec := range s.verifyRecords {
		out = append(out, rec)
	}
	return out
}

// RunMaintenanceCheck 并行读取整批设备的维护模式（快速巡检）
func (s *Scheduler) RunMaintenanceCheck(ctx context.Context, deviceIDs []string) []MaintenanceStatus {
	results := make([]MaintenanceStatus, len(deviceIDs))
	index := make(map[string]int, len(deviceIDs))
	for i, id := range deviceIDs {
		index[id] = i
		results[i] = MaintenanceStatus{DeviceID: id, Status: "UNKNOWN"}
	}

	var mu sync.Mutex
	s.forEach(ctx, deviceIDs, func(ctx context.Context, deviceID string) {
		cfg, err := s.channel.GetDeviceConfiguration(ctx, deviceID)
		mu.Lock()
		defer mu.Unlock()
		i := index[deviceID]
		if err != nil {
			results[i].Status = "ERROR"
			results[i].Error = err.Error()
			return
		}
		if mode := cfg.MaintenanceMode(); mode != "" {
			results[i].Status = mode
		}
	})
	return results
}

// PendingMaintenanceDevices 枚举仍可能停留在维护模式的设备
func (s *Scheduler) PendingMaintenanceDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.records {
		if rec.PendingMaintenance {
			ids = append(ids, id)
		}
	}
	return ids
}

// CleanupPendingMaintenance 收尾清理：对每台挂起设备无条件发一次维护 OFF
// 单次尝试、不走阶段循环、不等确认——尽力而为的安全网，不是可靠投递
func (s *Scheduler) CleanupPendingMaintenance(ctx context.Context) int {
	pending := s.PendingMaintenanceDevices()
	if len(pending) == 0 {
		return 0
	}

	s.logger.Info("Cleaning up devices possibly left in maintenance mode",
		zap.Int("device_count", len(pending)),
	)

	s.forEach(ctx, pending, func(ctx context.Context, deviceID string) {
		if _, err := s.channel.SendCommand(ctx, deviceID, digil.MaintenanceOff()); err != nil {
			s.logger.Warn("Cleanup maintenance OFF failed",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	})
	return len(pending)
}

// Records 当前结果集的不可变快照（设备 ID 无序）
func (s *Scheduler) Records() []orchestrator.ResetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orchestrator.ResetRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Snapshot())
	}
	return out
}

// ConfirmedResets 重置已确认的设备及其重置时刻（验证批次的输入）
func (s *Scheduler) ConfirmedResets() []VerifyInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []VerifyInput
	for id, rec := range s.records {
		if rec.ResetConfirmed() {
			out = append(out, VerifyInput{DeviceID: id, ResetAt: rec.ResetTimestamp})
		}
	}
	return out
}

// forEach 有界并发扇出；取消后未开始的任务直接丢弃
func (s *Scheduler) forEach(ctx context.Context, deviceIDs []string, fn func(ctx context.Context, deviceID string)) {
	workers := s.opts.Workers
	if workers > len(deviceIDs) {
		workers = len(deviceIDs)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for deviceID := range jobs {
				if ctx.Err() != nil {
					continue // 取消后只排空队列，不再执行
				}
				fn(ctx, deviceID)
			}
		}()
	}

	for _, deviceID := range deviceIDs {
		jobs <- deviceID
	}
	close(jobs)
	wg.Wait()
}

func (s *Scheduler) storeRecord(rec *orchestrator.ResetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.DeviceID] = rec
}

func (s *Scheduler) storeVerifyRecord(rec verify.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyRecords[rec.DeviceID] = rec
}

func (s *Scheduler) classify(rec *orchestrator.ResetRecord) {
	if rec.QuickMode {
		switch rec.Overall() {
		case "OK":
			s.stats.success.Add(1)
		case "PARTIAL":
			s.stats.partial.Add(1)
		default:
			s.stats.failed.Add(1)
		}
		return
	}
	switch rec.State {
	case orchestrator.StateCompleted:
		s.stats.success.Add(1)
	default:
		s.stats.failed.Add(1)
	}
}
