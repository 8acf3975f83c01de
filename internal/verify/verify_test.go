package verify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"digil-incl-reset/internal/digil"
	"digil-incl-reset/internal/verify"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTelemetry struct {
	data *digil.DeviceTelemetry
	err  error
}

func (f *fakeTelemetry) GetDeviceTelemetry(ctx context.Context, deviceID string) (*digil.DeviceTelemetry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func boolPtr(v bool) *bool      { return &v }
func f64Ptr(v float64) *float64 { return &v }
func i64Ptr(v int64) *int64     { return &v }

func telemetry(alarm *bool, incX, incY *float64, ts *int64) *digil.DeviceTelemetry {
	t := &digil.DeviceTelemetry{
		Diags:    map[string]digil.DiagValue{},
		Measures: map[string]digil.MeasureValue{},
	}
	t.Diags[digil.DiagAlarmIncl] = digil.DiagValue{Value: alarm, Timestamp: ts}
	t.Measures[digil.MeasureInclX] = digil.MeasureValue{Avg: incX, Timestamp: ts}
	t.Measures[digil.MeasureInclY] = digil.MeasureValue{Avg: incY, Timestamp: ts}
	return t
}

func TestVerify_AllChecksPass(t *testing.T) {
	resetAt := time.Now().UTC().Add(-10 * time.Minute)
	dataTS := time.Now().UTC().UnixMilli()

	reader := &fakeTelemetry{data: telemetry(boolPtr(false), f64Ptr(0.05), f64Ptr(-0.15), i64Ptr(dataTS))}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "1121621_0436", resetAt)

	require.True(t, rec.AllOK)
	require.Equal(t, verify.StatusVerified, rec.Status)
	require.True(t, rec.AlarmOK)
	require.True(t, rec.IncXOK)
	require.True(t, rec.IncYOK)
	require.True(t, rec.TimestampValid)
	require.NotNil(t, rec.DeltaMillis)
	// 数据晚于重置时刻，差值为正
	require.True(t, *rec.DeltaMillis > 0)
	require.Contains(t, rec.DeltaReadable, "+")
}

func TestVerify_ToleranceIsInclusive(t *testing.T) {
	resetAt := time.Now().UTC().Add(-time.Minute)
	dataTS := time.Now().UTC().UnixMilli()

	reader := &fakeTelemetry{data: telemetry(boolPtr(false), f64Ptr(0.20), f64Ptr(-0.20), i64Ptr(dataTS))}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", resetAt)
	require.True(t, rec.AllOK)
}

func TestVerify_AlarmActiveTakesPrecedence(t *testing.T) {
	resetAt := time.Now().UTC().Add(-time.Minute)
	// 告警激活，同时倾角也超限：分类必须是告警优先
	reader := &fakeTelemetry{data: telemetry(boolPtr(true), f64Ptr(0.90), f64Ptr(0.05), i64Ptr(time.Now().UTC().UnixMilli()))}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", resetAt)

	require.False(t, rec.AllOK)
	require.Equal(t, verify.StatusAlarmActive, rec.Status)
	require.Equal(t, "alarm active", rec.FailureReason)
}

func TestVerify_StaleDataBeatsInclination(t *testing.T) {
	resetAt := time.Now().UTC()
	// 数据时间戳早于重置时刻，且 X 超限：过期数据优先于倾角
	oldTS := resetAt.Add(-time.Hour).UnixMilli()
	reader := &fakeTelemetry{data: telemetry(boolPtr(false), f64Ptr(0.90), f64Ptr(0.05), i64Ptr(oldTS))}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", resetAt)

	require.False(t, rec.AllOK)
	require.Equal(t, verify.StatusTimestampInvalid, rec.Status)
	require.NotNil(t, rec.DeltaMillis)
	require.True(t, *rec.DeltaMillis < 0)
	require.Contains(t, rec.DeltaReadable, "-")
}

func TestVerify_InclinationOutOfRange(t *testing.T) {
	resetAt := time.Now().UTC().Add(-time.Minute)
	dataTS := time.Now().UTC().UnixMilli()
	engine := verify.NewEngine(&fakeTelemetry{data: telemetry(boolPtr(false), f64Ptr(0.35), f64Ptr(0.05), i64Ptr(dataTS))}, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", resetAt)
	require.Equal(t, verify.StatusIncXOutOfRange, rec.Status)

	engine = verify.NewEngine(&fakeTelemetry{data: telemetry(boolPtr(false), f64Ptr(0.05), f64Ptr(-0.35), i64Ptr(dataTS))}, 0.20, zap.NewNop())
	rec = engine.Verify(context.Background(), "dev-1", resetAt)
	require.Equal(t, verify.StatusIncYOutOfRange, rec.Status)
}

func TestVerify_MissingFieldFails(t *testing.T) {
	resetAt := time.Now().UTC().Add(-time.Minute)
	dataTS := time.Now().UTC().UnixMilli()

	// 缺失字段按失败计，绝不按"未知即通过"
	reader := &fakeTelemetry{data: telemetry(nil, f64Ptr(0.05), f64Ptr(0.05), i64Ptr(dataTS))}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", resetAt)
	require.False(t, rec.AllOK)
	require.False(t, rec.AlarmOK)
	require.Equal(t, verify.StatusAlarmActive, rec.Status)
}

func TestVerify_EmptyTelemetry(t *testing.T) {
	resetAt := time.Now().UTC()
	reader := &fakeTelemetry{data: &digil.DeviceTelemetry{}}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", resetAt)
	require.False(t, rec.AllOK)
	require.False(t, rec.TimestampValid)
	require.Nil(t, rec.DataTimestamp)
	require.Empty(t, rec.DeltaReadable)
}

func TestVerify_ReadErrorIsSingleShot(t *testing.T) {
	reader := &fakeTelemetry{err: errors.New("telemetry endpoint down")}
	engine := verify.NewEngine(reader, 0.20, zap.NewNop())

	rec := engine.Verify(context.Background(), "dev-1", time.Now().UTC())

	require.False(t, rec.AllOK)
	require.Equal(t, verify.StatusReadError, rec.Status)
	require.Contains(t, rec.FailureReason, "telemetry endpoint down")
}

func TestVerify_DefaultTolerance(t *testing.T) {
	resetAt := time.Now().UTC().Add(-time.Minute)
	dataTS := time.Now().UTC().UnixMilli()
	reader := &fakeTelemetry{data: telemetry(boolPtr(false), f64Ptr(0.19), f64Ptr(-0.19), i64Ptr(dataTS))}

	// tolerance <= 0 回落到默认 0.20
	engine := verify.NewEngine(reader, 0, zap.NewNop())
	rec := engine.Verify(context.Background(), "dev-1", resetAt)
	require.True(t, rec.AllOK)
}
