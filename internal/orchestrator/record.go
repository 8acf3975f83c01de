package orchestrator

import (
	"time"

	"digil-incl-reset/internal/digil"
)

// State 单设备状态机的状态
type State string

const (
	StateIdle           State = "IDLE"
	StateMaintOnSend    State = "MAINT_ON_SEND"
	StateMaintOnPoll    State = "MAINT_ON_POLL"
	StateMaintOnVerify  State = "MAINT_ON_VERIFY"
	StateResetSend      State = "RESET_SEND"
	StateResetPoll      State = "RESET_POLL"
	StateMaintOffSend   State = "MAINT_OFF_SEND"
	StateMaintOffPoll   State = "MAINT_OFF_POLL"
	StateMaintOffVerify State = "MAINT_OFF_VERIFY"
	StateCompleted      State = "COMPLETED"
	StateInterrupted    State = "INTERRUPTED"
	StateError          State = "ERROR"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted || s == StateError
}

// MaintenanceState 设备维护模式状态
type MaintenanceState string

const (
	MaintenanceOn      MaintenanceState = "ON"
	MaintenanceOff     MaintenanceState = "OFF"
	MaintenanceUnknown MaintenanceState = "UNKNOWN"
)

// Phase 三个顺序阶段
type Phase string

const (
	PhaseMaintOn  Phase = "maintenance_on"
	PhaseReset    Phase = "reset_inclinometer"
	PhaseMaintOff Phase = "maintenance_off"
)

// PhaseOutcome 单阶段结果
type PhaseOutcome string

const (
	OutcomeNotExecuted PhaseOutcome = "NOT_EXECUTED"
	OutcomeOK          PhaseOutcome = "OK"
	// 预检发现设备已处于维护模式，阶段 1 记为已满足
	OutcomeAlreadyOn   PhaseOutcome = "ALREADY_ON"
	OutcomeInterrupted PhaseOutcome = "INTERRUPTED"
	OutcomeSkipped     PhaseOutcome = "SKIPPED"
	OutcomeAuthError   PhaseOutcome = "AUTH_ERROR"
	// 仅 quick 模式：单次发送失败
	OutcomeSendFailed PhaseOutcome = "SEND_FAILED"
)

// PhaseResult 阶段结果与发送尝试次数
type PhaseResult struct {
	Outcome  PhaseOutcome
	Attempts int
}

// OpLogEntry 操作日志（仅追加）
type OpLogEntry struct {
	At    time.Time
	State State
	Note  string
}

// ResetRecord 单设备重置记录
// 运行期间只由所属 worker 协程修改，结束后只读；
// 并发读取方使用 Snapshot
type ResetRecord struct {
	RunID    string
	DeviceID string
	Class    digil.DeviceClass

	State       State
	Maintenance MaintenanceState
	// 设备可能停留在维护模式时为 true：
	// 维护 ON 命令被受理即置位（宁可错标），只有确认的维护 OFF 才清除
	PendingMaintenance bool

	MaintOn  PhaseResult
	Reset    PhaseResult
	MaintOff PhaseResult

	// 重置命令被确认时的客户端受理时间，只设置一次
	ResetTimestamp time.Time

	Ops          []OpLogEntry
	ErrorMessage string
	QuickMode    bool
}

func newRecord(runID, deviceID string) *ResetRecord {
	return &ResetRecord{
		RunID:       runID,
		DeviceID:    deviceID,
		Class:       digil.DetectDeviceClass(deviceID),
		State:       StateIdle,
		Maintenance: MaintenanceUnknown,
		MaintOn:     PhaseResult{Outcome: OutcomeNotExecuted},
		Reset:       PhaseResult{Outcome: OutcomeNotExecuted},
		MaintOff:    PhaseResult{Outcome: OutcomeNotExecuted},
	}
}

// NewAuthErrorRecord 认证失败时的终态记录（零次网络调用）
func NewAuthErrorRecord(runID, deviceID, message string) *ResetRecord {
	rec := newRecord(runID, deviceID)
	rec.State = StateError
	rec.ErrorMessage = message
	rec.MaintOn.Outcome = OutcomeAuthError
	rec.Reset.Outcome = OutcomeSkipped
	rec.MaintOff.Outcome = OutcomeSkipped
	rec.Ops = append(rec.Ops, OpLogEntry{At: time.Now().UTC(), State: StateError, Note: message})
	return rec
}

// PhaseResultFor 返回指定阶段的结果
func (r *ResetRecord) PhaseResultFor(p Phase) PhaseResult {
	switch p {
	case PhaseMaintOn:
		return r.MaintOn
	case PhaseReset:
		return r.Reset
	default:
		return r.MaintOff
	}
}

func (r *ResetRecord) phaseResult(p Phase) *PhaseResult {
	switch p {
	case PhaseMaintOn:
		return &r.MaintOn
	case PhaseReset:
		return &r.Reset
	default:
		return &r.MaintOff
	}
}

// ResetConfirmed 重置阶段是否独立确认成功
func (r *ResetRecord) ResetConfirmed() bool {
	return !r.ResetTimestamp.IsZero()
}

// Overall 粗粒度总评：OK / PARTIAL / FAILED
// 部分成功必须可表达：维护 ON 成功而重置失败的设备保留各阶段结果
func (r *ResetRecord) Overall() string {
	ok := 0
	for _, pr := range []PhaseResult{r.MaintOn, r.Reset, r.MaintOff} {
		if pr.Outcome == OutcomeOK || pr.Outcome == OutcomeAlreadyOn {
			ok++
		}
	}
	switch ok {
	case 3:
		return "OK"
	case 0:
		return "FAILED"
	default:
		return "PARTIAL"
	}
}

// Snapshot 投影一份不可变副本，供并发查询使用
func (r *ResetRecord) Snapshot() ResetRecord {
	copied := *r
	copied.Ops = make([]OpLogEntry, len(r.Ops))
	copy(copied.Ops, r.Ops)
	return copied
}

// Event 状态迁移的进度事件（只含结构化字段，不含展示文案）
type Event struct {
	RunID    string
	DeviceID string
	From     State
	To       State
	Attempt  int
	At       time.Time
}
