package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"digil-incl-reset/internal/digil"

	"go.uber.org/zap"
)

const (
	// 发送时刻与日志时间戳之间允许的时钟偏差
	timeSkewMargin = 5 * time.Second
	// 日志窗口从发送时刻往前放宽一小时
	lookupWindowBack = time.Hour
)

// LookupStatus 命令在日志中的确认状态
type LookupStatus string

const (
	StatusPending        LookupStatus = "pending"
	StatusSentOK         LookupStatus = "sent_ok"
	StatusSentError      LookupStatus = "sent_error"
	StatusSentNoResponse LookupStatus = "sent_no_response"
	StatusNotFound       LookupStatus = "not_found"
)

// LookupResult 一次日志核对的结果
type LookupResult struct {
	Status         LookupStatus
	ResponseStatus string
	CorrelationID  string
	DebugInfo      string
}

// LogReader 命令日志窗口查询
type LogReader interface {
	GetCommandLog(ctx context.Context, deviceID string, since time.Time) (*digil.CommandLog, error)
}

// Matcher 将已发送的命令与设备异步日志中的记录对账
type Matcher struct {
	logs   LogReader
	logger *zap.Logger
}

// New 创建 Matcher
func New(logs LogReader, logger *zap.Logger) *Matcher {
	return &Matcher{logs: logs, logger: logger}
}

// Lookup 在日志窗口内查找命令的确认状态
// pending 列表优先于 sent 列表，列表内按 API 返回顺序取第一个结构匹配
func (m *Matcher) Lookup(ctx context.Context, deviceID, commandName string, matchSet map[string]string, sentAfter time.Time) (*LookupResult, error) {
	log, err := m.logs.GetCommandLog(ctx, deviceID, sentAfter.Add(-lookupWindowBack))
	if err != nil {
		return nil, err
	}

	result := &LookupResult{
		Status:    StatusNotFound,
		DebugInfo: fmt.Sprintf("pending=%d, sent=%d", len(log.PendingCommands), len(log.SentCommands)),
	}

	for _, entry := range log.PendingCommands {
		if Match(entry, commandName, matchSet, sentAfter) {
			result.Status = StatusPending
			result.CorrelationID = entry.CorrelationID
			return result, nil
		}
	}

	for _, entry := range log.SentCommands {
		if !Match(entry, commandName, matchSet, sentAfter) {
			continue
		}
		result.CorrelationID = entry.CorrelationID
		if entry.Response == nil {
			// 已下发到设备但响应还没回来
			result.Status = StatusSentNoResponse
			return result, nil
		}
		status := normalizeResponseStatus(entry.Response.Status)
		result.ResponseStatus = status
		// 部分固件把状态码上报成浮点（"200.0"）
		switch strings.TrimSuffix(status, ".0") {
		case "200", "204":
			result.Status = StatusSentOK
		default:
			result.Status = StatusSentError
		}
		return result, nil
	}

	result.DebugInfo += fmt.Sprintf(" | searched: name=%s, match=%v, after=%s",
		commandName, matchSet, sentAfter.Format(time.RFC3339))
	return result, nil
}

// Match 判断一条日志记录是否对应已发送的命令
// 名称相等、时间不早于 sentAfter-5s、payload 满足 matchSet 的所有键
func Match(entry digil.LogEntry, commandName string, matchSet map[string]string, sentAfter time.Time) bool {
	if entry.Name != commandName {
		return false
	}
	if entry.Time.IsZero() || entry.Time.Before(sentAfter.Add(-timeSkewMargin)) {
		return false
	}

	view := parsePayload(entry.Payload)
	if view.parsed {
		for key, want := range matchSet {
			got, ok := view.fields[key]
			if !ok {
				return false
			}
			gotStr, isStr := got.(string)
			if !isStr {
				// 非字符串字段按精确相等处理，与字符串期望值不可能相等
				return false
			}
			// 注意：大小写不敏感对今天的 ON/OFF 词表是对的，
			// 引入大小写敏感的匹配键之前要先改这里
			if !strings.EqualFold(gotStr, want) {
				return false
			}
		}
		return true
	}

	// 降级路径：固件偶尔上报无法解析的 payload 字符串，
	// 归一化后做子串搜索。这是刻意保留的兼容垫片，不要删
	normalized := strings.ToLower(strings.NewReplacer(" ", "", "\n", "").Replace(view.raw))
	for key, want := range matchSet {
		needle := strings.ToLower(fmt.Sprintf("%q:%q", key, want))
		if !strings.Contains(normalized, needle) {
			return false
		}
	}
	return true
}

// payloadView payload 解析结果：结构化字段或原始字符串降级
type payloadView struct {
	parsed bool
	fields map[string]any
	raw    string
}

// parsePayload 容忍两种形态：内嵌 JSON 字符串（含空格/换行）或结构化对象
func parsePayload(raw json.RawMessage) payloadView {
	if len(raw) == 0 {
		return payloadView{parsed: true, fields: map[string]any{}}
	}

	text := string(raw)
	var embedded string
	if err := json.Unmarshal(raw, &embedded); err == nil {
		// payload 是字符串，内容本身可能是 JSON
		text = embedded
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return payloadView{raw: text}
	}
	return payloadView{parsed: true, fields: fields}
}

// normalizeResponseStatus 把数字/字符串形态的状态码统一成字符串
func normalizeResponseStatus(status any) string {
	switch v := status.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
