package digil

import (
	"encoding/json"
	"strings"
	"time"
)

// 遥测字段名（DIGIL v2 固件契约）
const (
	DiagAlarmIncl = "ALG_Digil2_Alm_Incl"
	MeasureInclX  = "SENS_Digil2_Inc_X"
	MeasureInclY  = "SENS_Digil2_Inc_Y"
)

// CommandSpec 下发给设备的命令（固件契约格式）
type CommandSpec struct {
	Name   string                 `json:"name"`
	Params map[string]ParamValues `json:"params"`
}

// ParamValues 命令参数的取值列表
type ParamValues struct {
	Values []string `json:"values"`
}

// MatchSet 将嵌套参数拍平成 key→首个取值，用于命令日志匹配
// （日志中的 payload 是拍平后的结构，如 {"status":"ON"}）
func (s CommandSpec) MatchSet() map[string]string {
	set := make(map[string]string, len(s.Params))
	for key, pv := range s.Params {
		if len(pv.Values) > 0 {
			set[key] = pv.Values[0]
		}
	}
	return set
}

// LogEntry 设备命令日志中的一条记录
// payload 可能是内嵌 JSON 字符串（含换行/空格），也可能是结构化对象
type LogEntry struct {
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Response      *LogResponse    `json:"response,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Time          LogTime         `json:"time"`
}

// LogResponse 命令执行后的设备响应
// status 在不同固件版本下可能是数字（200.0）或字符串（"200"）
type LogResponse struct {
	Status any `json:"status"`
}

// CommandLog 命令日志窗口查询结果，列表顺序与 API 返回一致
type CommandLog struct {
	PendingCommands []LogEntry `json:"pendingCommands"`
	SentCommands    []LogEntry `json:"sentCommands"`
}

// LogTime ISO8601 时间戳（兼容有无小数秒）
type LogTime struct {
	time.Time
}

func (t *LogTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// 部分固件省略时区后缀
		parsed, err = time.Parse("2006-01-02T15:04:05", strings.TrimSuffix(s, "Z"))
		if err != nil {
			return err
		}
		parsed = parsed.UTC()
	}
	t.Time = parsed
	return nil
}

func (t LogTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// DeviceConfiguration 设备配置（只关心 application.maintenanceMode）
type DeviceConfiguration struct {
	Application struct {
		MaintenanceMode *string `json:"maintenanceMode"`
	} `json:"application"`
}

// MaintenanceMode 返回 "ON"/"OFF"，未上报时返回空串
func (c *DeviceConfiguration) MaintenanceMode() string {
	if c == nil || c.Application.MaintenanceMode == nil {
		return ""
	}
	return *c.Application.MaintenanceMode
}

// DiagValue 诊断值（布尔告警 + 毫秒时间戳）
type DiagValue struct {
	Value     *bool  `json:"value"`
	Timestamp *int64 `json:"timestamp"`
}

// MeasureValue 测量值（均值 + 毫秒时间戳）
type MeasureValue struct {
	Avg       *float64 `json:"avg"`
	Timestamp *int64   `json:"timestamp"`
}

// DeviceTelemetry 设备遥测快照
type DeviceTelemetry struct {
	Diags    map[string]DiagValue    `json:"diags"`
	Measures map[string]MeasureValue `json:"measures"`
}
