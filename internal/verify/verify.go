package verify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"digil-incl-reset/internal/digil"

	"go.uber.org/zap"
)

// DefaultTolerance 倾角归零容差（设备原生单位，含边界）
const DefaultTolerance = 0.20

// TelemetryReader 设备遥测读取
type TelemetryReader interface {
	GetDeviceTelemetry(ctx context.Context, deviceID string) (*digil.DeviceTelemetry, error)
}

// Status 验证结果分类
type Status string

const (
	StatusVerified         Status = "VERIFIED"
	StatusAlarmActive      Status = "ALARM_ACTIVE"
	StatusTimestampInvalid Status = "TIMESTAMP_INVALID"
	StatusIncXOutOfRange   Status = "INC_X_OUT_OF_RANGE"
	StatusIncYOutOfRange   Status = "INC_Y_OUT_OF_RANGE"
	StatusPartial          Status = "PARTIAL"
	StatusReadError        Status = "READ_ERROR"
)

// Record 单设备验证结果
type Record struct {
	DeviceID       string
	Class          digil.DeviceClass
	ResetTimestamp time.Time

	Alarm          *bool
	AlarmTimestamp *int64
	IncXAvg        *float64
	IncXTimestamp  *int64
	IncYAvg        *float64
	IncYTimestamp  *int64

	AlarmOK        bool
	IncXOK         bool
	IncYOK         bool
	TimestampValid bool
	AllOK          bool

	// 最新数据时间戳与重置时刻的差，仅用于诊断，不影响判定
	DataTimestamp *int64
	DeltaMillis   *int64
	DeltaReadable string

	Status        Status
	FailureReason string
}

// Engine 重置后验证引擎：单次尽力读取，不重试不轮询
type Engine struct {
	telemetry TelemetryReader
	tolerance float64
	logger    *zap.Logger
}

// NewEngine 创建验证引擎，tolerance <= 0 时用默认值
func NewEngine(telemetry TelemetryReader, tolerance float64, logger *zap.Logger) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Engine{telemetry: telemetry, tolerance: tolerance, logger: logger}
}

// Verify 验证一台设备的重置结果
// 四项检查：告警为 false、X/Y 倾角均值在容差内、数据时间戳晚于重置时刻；
// 字段缺失按失败计，绝不按"未知即通过"
func (e *Engine) Verify(ctx context.Context, deviceID string, resetAt time.Time) Record {
	rec := Record{
		DeviceID:       deviceID,
		Class:          digil.DetectDeviceClass(deviceID),
		ResetTimestamp: resetAt,
	}

	telemetry, err := e.telemetry.GetDeviceTelemetry(ctx, deviceID)
	if err != nil {
		e.logger.Warn("Telemetry read failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		rec.Status = StatusReadError
		rec.FailureReason = err.Error()
		return rec
	}

	alarm := telemetry.Diags[digil.DiagAlarmIncl]
	rec.Alarm = alarm.Value
	rec.AlarmTimestamp = alarm.Timestamp

	incX := telemetry.Measures[digil.MeasureInclX]
	rec.IncXAvg = incX.Avg
	rec.IncXTimestamp = incX.Timestamp

	incY := telemetry.Measures[digil.MeasureInclY]
	rec.IncYAvg = incY.Avg
	rec.IncYTimestamp = incY.Timestamp

	rec.AlarmOK = rec.Alarm != nil && !*rec.Alarm
	rec.IncXOK = rec.IncXAvg != nil && math.Abs(*rec.IncXAvg) <= e.tolerance
	rec.IncYOK = rec.IncYAvg != nil && math.Abs(*rec.IncYAvg) <= e.tolerance

	resetMillis := resetAt.UnixMilli()
	for _, ts := range []*int64{rec.AlarmTimestamp, rec.IncXTimestamp, rec.IncYTimestamp} {
		if ts == nil {
			continue
		}
		if rec.DataTimestamp == nil || *ts > *rec.DataTimestamp {
			v := *ts
			rec.DataTimestamp = &v
		}
	}
	if rec.DataTimestamp != nil {
		rec.TimestampValid = *rec.DataTimestamp > resetMillis
		delta := *rec.DataTimestamp - resetMillis
		rec.DeltaMillis = &delta
		rec.DeltaReadable = readableDelta(delta)
	}

	rec.AllOK = rec.AlarmOK && rec.IncXOK && rec.IncYOK && rec.TimestampValid
	if rec.AllOK {
		rec.Status = StatusVerified
		return rec
	}

	rec.Status, rec.FailureReason = classifyFailure(rec)

	var issues []string
	if !rec.AlarmOK {
		issues = append(issues, "alarm active")
	}
	if !rec.TimestampValid {
		issues = append(issues, "stale data")
	}
	if !rec.IncXOK {
		issues = append(issues, fmtMeasure("inc X", rec.IncXAvg))
	}
	if !rec.IncYOK {
		issues = append(issues, fmtMeasure("inc Y", rec.IncYAvg))
	}
	e.logger.Info("Verification failed",
		zap.String("device_id", deviceID),
		zap.String("status", string(rec.Status)),
		zap.String("issues", strings.Join(issues, "; ")),
	)
	return rec
}

// classifyFailure 失败分类，固定优先级：
// 告警 > 数据过期 > X 超限 > Y 超限 > 其它
func classifyFailure(rec Record) (Status, string) {
	switch {
	case !rec.AlarmOK:
		return StatusAlarmActive, "alarm active"
	case !rec.TimestampValid:
		return StatusTimestampInvalid, "data older than reset"
	case !rec.IncXOK:
		return StatusIncXOutOfRange, "inclination X out of range"
	case !rec.IncYOK:
		return StatusIncYOutOfRange, "inclination Y out of range"
	default:
		return StatusPartial, "partial check failure"
	}
}

func fmtMeasure(name string, v *float64) string {
	if v == nil {
		return name + " missing"
	}
	return fmt.Sprintf("%s=%.3f", name, *v)
}

// readableDelta 毫秒差的带符号可读形式（+3m 20s / -45s / +1h 5m）
func readableDelta(millis int64) string {
	sign := "+"
	if millis < 0 {
		sign = "-"
	}
	seconds := millis / 1000
	if seconds < 0 {
		seconds = -seconds
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%s%ds", sign, seconds)
	case seconds < 3600:
		return fmt.Sprintf("%s%dm %ds", sign, seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%s%dh %dm", sign, seconds/3600, (seconds%3600)/60)
	}
}
