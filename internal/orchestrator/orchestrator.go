package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"digil-incl-reset/internal/digil"
	"digil-incl-reset/internal/matcher"

	"go.uber.org/zap"
)

// CommandChannel 设备命令通道（发送 + 配置读取）
type CommandChannel interface {
	SendCommand(ctx context.Context, deviceID string, spec digil.CommandSpec) (time.Time, error)
	GetDeviceConfiguration(ctx context.Context, deviceID string) (*digil.DeviceConfiguration, error)
}

// LogChecker 命令日志核对（见 internal/matcher）
type LogChecker interface {
	Lookup(ctx context.Context, deviceID, commandName string, matchSet map[string]string, sentAfter time.Time) (*matcher.LookupResult, error)
}

// Options 状态机时序参数
type Options struct {
	// 命令确认轮询间隔，设备异步执行命令，默认 60 秒
	PollInterval time.Duration
	// 发送失败后的固定退避，默认 5 秒
	SendBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.SendBackoff <= 0 {
		o.SendBackoff = 5 * time.Second
	}
	return o
}

// Orchestrator 单设备三阶段重置状态机
// 阶段内重试无上界（设备可能合法地迟到数小时），唯一退出途径是取消；
// 每次睡眠和每个循环头都检查取消信号
type Orchestrator struct {
	channel CommandChannel
	checker LogChecker
	opts    Options
	logger  *zap.Logger

	// 进度事件，非阻塞发送，消费慢时丢弃并计数
	events  chan<- Event
	dropped *atomic.Int64
}

// New 创建状态机。events 可为 nil（不发事件）
func New(channel CommandChannel, checker LogChecker, opts Options, events chan<- Event, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		channel: channel,
		checker: checker,
		opts:    opts.withDefaults(),
		logger:  logger,
		events:  events,
		dropped: &atomic.Int64{},
	}
}

// DroppedEvents 因消费方过慢被丢弃的事件数
func (o *Orchestrator) DroppedEvents() int64 {
	return o.dropped.Load()
}

// phaseDef 单阶段的静态定义
type phaseDef struct {
	phase       Phase
	spec        digil.CommandSpec
	sendState   State
	pollState   State
	verifyState State
	// 维护阶段的目标模式；重置阶段为空（无独立确认来源）
	target MaintenanceState
}

// Run 执行一台设备的完整重置流程，返回终态记录
func (o *Orchestrator) Run(ctx context.Context, runID, deviceID string) *ResetRecord {
	rec := newRecord(runID, deviceID)
	log := o.logger.With(zap.String("device_id", deviceID), zap.String("run_id", runID))

	skipMaintOn := false

	// 预检：设备可能已经处于维护模式（上一轮遗留或人工操作）
	cfg, err := o.channel.GetDeviceConfiguration(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			o.interrupt(rec, PhaseMaintOn)
			return rec
		}
		log.Warn("Pre-check configuration read failed, proceeding", zap.Error(err))
	} else {
		switch cfg.MaintenanceMode() {
		case string(MaintenanceOn):
			log.Info("Device already in maintenance mode, skipping phase 1")
			rec.Maintenance = MaintenanceOn
			rec.PendingMaintenance = true
			rec.MaintOn.Outcome = OutcomeAlreadyOn
			skipMaintOn = true
		case string(MaintenanceOff):
			rec.Maintenance = MaintenanceOff
		}
	}

	phases := []phaseDef{
		{
			phase:       PhaseMaintOn,
			spec:        digil.MaintenanceOn(),
			sendState:   StateMaintOnSend,
			pollState:   StateMaintOnPoll,
			verifyState: StateMaintOnVerify,
			target:      MaintenanceOn,
		},
		{
			phase:     PhaseReset,
			spec:      digil.ResetInclinometer(),
			sendState: StateResetSend,
			pollState: StateResetPoll,
		},
		{
			phase:       PhaseMaintOff,
			spec:        digil.MaintenanceOff(),
			sendState:   StateMaintOffSend,
			pollState:   StateMaintOffPoll,
			verifyState: StateMaintOffVerify,
			target:      MaintenanceOff,
		},
	}

	for _, def := range phases {
		if def.phase == PhaseMaintOn && skipMaintOn {
			continue
		}
		if !o.runPhase(ctx, rec, def, log) {
			o.interrupt(rec, def.phase)
			return rec
		}
	}

	o.setState(rec, StateCompleted, 0, "all phases confirmed")
	log.Info("Device reset completed",
		zap.Int("maint_on_attempts", rec.MaintOn.Attempts),
		zap.Int("reset_attempts", rec.Reset.Attempts),
		zap.Int("maint_off_attempts", rec.MaintOff.Attempts),
	)
	return rec
}

// runPhase 通用阶段循环：发送 → 首次等待 → 轮询确认 →（维护阶段）配置复核
// 返回 false 表示被取消
func (o *Orchestrator) runPhase(ctx context.Context, rec *ResetRecord, def phaseDef, log *zap.Logger) bool {
	pr := rec.phaseResult(def.phase)
	matchSet := def.spec.MatchSet()

	for {
		if ctx.Err() != nil {
			return false
		}

		o.setState(rec, def.sendState, pr.Attempts+1, "")
		sentAt, err := o.channel.SendCommand(ctx, rec.DeviceID, def.spec)
		pr.Attempts++
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			// 传输/认证/HTTP 错误一视同仁：固定退避后重发
			log.Warn("Command send failed, backing off",
				zap.String("phase", string(def.phase)),
				zap.Int("attempt", pr.Attempts),
				zap.Error(err),
			)
			if !o.sleep(ctx, o.opts.SendBackoff) {
				return false
			}
			continue
		}

		if def.target == MaintenanceOn {
			// 受理即置位，宁可错标：运行中断时设备必须留在清理名单里
			rec.PendingMaintenance = true
		}

		// 设备异步执行，立即查询是浪费，先睡一个轮询间隔
		o.setState(rec, def.pollState, pr.Attempts, "")
		if !o.sleep(ctx, o.opts.PollInterval) {
			return false
		}

		confirmed, interrupted := o.pollPhase(ctx, rec, def, pr, matchSet, sentAt, log)
		if interrupted {
			return false
		}
		if !confirmed {
			continue // 重发
		}

		if def.phase == PhaseReset && rec.ResetTimestamp.IsZero() {
			// 下游验证以这个客户端受理时间为基准，只设置一次
			rec.ResetTimestamp = sentAt
		}
		pr.Outcome = OutcomeOK
		return true
	}
}

// pollPhase 轮询子循环
// confirmed=false 且 interrupted=false 表示需要重发
func (o *Orchestrator) pollPhase(ctx context.Context, rec *ResetRecord, def phaseDef, pr *PhaseResult, matchSet map[string]string, sentAt time.Time, log *zap.Logger) (confirmed, interrupted bool) {
	for {
		if ctx.Err() != nil {
			return false, true
		}

		result, err := o.checker.Lookup(ctx, rec.DeviceID, def.spec.Name, matchSet, sentAt)
		if err != nil {
			if ctx.Err() != nil {
				return false, true
			}
			// 日志查询失败当作传输错误处理：重发命令而不是盲目继续轮询
			log.Warn("Command log lookup failed, will resend",
				zap.String("phase", string(def.phase)),
				zap.Error(err),
			)
			return false, false
		}

		switch result.Status {
		case matcher.StatusPending:
			if !o.sleep(ctx, o.opts.PollInterval) {
				return false, true
			}

		case matcher.StatusSentOK:
			if def.target == "" {
				// 重置阶段没有独立的确认来源，sent_ok 即完成
				return true, false
			}
			// 维护阶段：命令成功还不够，配置必须真的翻到目标模式
			o.setState(rec, def.verifyState, pr.Attempts, "")
			cfg, cerr := o.channel.GetDeviceConfiguration(ctx, rec.DeviceID)
			if cerr != nil {
				if ctx.Err() != nil {
					return false, true
				}
				log.Warn("Maintenance mode re-read failed, will resend",
					zap.String("phase", string(def.phase)),
					zap.Error(cerr),
				)
				return false, false
			}
			if cfg.MaintenanceMode() != string(def.target) {
				log.Warn("Maintenance mode mismatch after sent_ok, will resend",
					zap.String("phase", string(def.phase)),
					zap.String("want", string(def.target)),
					zap.String("got", cfg.MaintenanceMode()),
				)
				return false, false
			}
			rec.Maintenance = def.target
			if def.target == MaintenanceOff {
				// 只有确认的维护 OFF 才清除清理标记
				rec.PendingMaintenance = false
			}
			return true, false

		default:
			// sent_error / sent_no_response / not_found：重发
			log.Debug("Command not confirmed, will resend",
				zap.String("phase", string(def.phase)),
				zap.String("status", string(result.Status)),
				zap.String("response_status", result.ResponseStatus),
				zap.String("debug", result.DebugInfo),
			)
			return false, false
		}
	}
}

// RunQuick 快速模式：三条命令顺序单发，不轮询不重试
// 单条失败只记录，继续下一条（与带确认模式不同，维护标记无法确认清除）
func (o *Orchestrator) RunQuick(ctx context.Context, runID, deviceID string) *ResetRecord {
	rec := newRecord(runID, deviceID)
	rec.QuickMode = true
	log := o.logger.With(zap.String("device_id", deviceID), zap.String("run_id", runID))

	steps := []struct {
		phase     Phase
		spec      digil.CommandSpec
		sendState State
	}{
		{PhaseMaintOn, digil.MaintenanceOn(), StateMaintOnSend},
		{PhaseReset, digil.ResetInclinometer(), StateResetSend},
		{PhaseMaintOff, digil.MaintenanceOff(), StateMaintOffSend},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			o.interrupt(rec, step.phase)
			return rec
		}
		pr := rec.phaseResult(step.phase)
		o.setState(rec, step.sendState, 1, "quick")
		sentAt, err := o.channel.SendCommand(ctx, rec.DeviceID, step.spec)
		pr.Attempts = 1
		if err != nil {
			log.Warn("Quick send failed",
				zap.String("phase", string(step.phase)),
				zap.Error(err),
			)
			pr.Outcome = OutcomeSendFailed
			continue
		}
		pr.Outcome = OutcomeOK
		switch step.phase {
		case PhaseMaintOn:
			rec.PendingMaintenance = true
		case PhaseReset:
			rec.ResetTimestamp = sentAt
		}
	}

	o.setState(rec, StateCompleted, 0, "quick mode finished")
	return rec
}

// interrupt 取消收尾：当前阶段记 INTERRUPTED，未开始的阶段记 SKIPPED
// pendingMaintenance 保持最后的值，留给调用方检查清理名单
func (o *Orchestrator) interrupt(rec *ResetRecord, current Phase) {
	order := []Phase{PhaseMaintOn, PhaseReset, PhaseMaintOff}
	reached := false
	for _, p := range order {
		pr := rec.phaseResult(p)
		if p == current {
			pr.Outcome = OutcomeInterrupted
			reached = true
			continue
		}
		if reached && pr.Outcome == OutcomeNotExecuted {
			pr.Outcome = OutcomeSkipped
		}
	}
	o.setState(rec, StateInterrupted, 0, "cancelled")
}

// sleep 可取消的睡眠，返回 false 表示被取消
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// setState 推进状态：追加操作日志并发进度事件
func (o *Orchestrator) setState(rec *ResetRecord, to State, attempt int, note string) {
	from := rec.State
	rec.State = to
	now := time.Now().UTC()
	rec.Ops = append(rec.Ops, OpLogEntry{At: now, State: to, Note: note})

	if o.events == nil {
		return
	}
	ev := Event{
		RunID:    rec.RunID,
		DeviceID: rec.DeviceID,
		From:     from,
		To:       to,
		Attempt:  attempt,
		At:       now,
	}
	select {
	case o.events <- ev:
	default:
		// worker 绝不能阻塞在进度上报上
		o.dropped.Add(1)
	}
}
