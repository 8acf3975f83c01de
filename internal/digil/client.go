package digil

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// TokenSource bearer 凭证提供方（见 internal/auth）
// Invalidate 之后下一次 Token 会强制刷新
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client DIGIL 后端 API 客户端
// 所有调用自动携带 bearer 令牌，401/403 时失效令牌并重试一次
type Client struct {
	httpClient *resty.Client
	tokens     TokenSource
	logger     *zap.Logger
}

// NewClient 创建 DIGIL API 客户端
func NewClient(baseURL string, timeout time.Duration, tlsInsecure bool, tokens TokenSource, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if tlsInsecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Client{
		httpClient: client,
		tokens:     tokens,
		logger:     logger,
	}
}

// SendCommand 向设备下发命令，返回客户端侧的受理时间
// 受理时间即使失败也会返回（调用方可能需要记录尝试时刻）
func (c *Client) SendCommand(ctx context.Context, deviceID string, spec CommandSpec) (time.Time, error) {
	sentAt := time.Now().UTC()

	_, err := c.execute(ctx, "send command", func(token string) (*resty.Response, error) {
		sentAt = time.Now().UTC()
		return c.httpClient.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetPathParam("deviceid", deviceID).
			SetBody(spec).
			Post("/api/v1/digils/{deviceid}/command")
	})
	if err != nil {
		return sentAt, err
	}

	c.logger.Debug("Command accepted",
		zap.String("device_id", deviceID),
		zap.String("command", spec.Name),
		zap.Time("sent_at", sentAt),
	)
	return sentAt, nil
}

// GetCommandLog 查询设备命令日志窗口 [since, now]
func (c *Client) GetCommandLog(ctx context.Context, deviceID string, since time.Time) (*CommandLog, error) {
	// API 要求纳秒精度的日期串，窗口终点取当天最后一纳秒
	startStr := since.UTC().Format("2006-01-02T15:04:05") + ".000000000Z"
	endStr := time.Now().UTC().Format("2006-01-02T15:04:05") + ".999999999Z"

	var out CommandLog
	_, err := c.execute(ctx, "get command log", func(token string) (*resty.Response, error) {
		return c.httpClient.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetPathParam("deviceid", deviceID).
			SetQueryParam("startDate", startStr).
			SetQueryParam("endDate", endStr).
			SetResult(&out).
			Get("/api/v1/digils/{deviceid}/commands-log")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeviceConfiguration 读取设备配置（含 maintenanceMode）
func (c *Client) GetDeviceConfiguration(ctx context.Context, deviceID string) (*DeviceConfiguration, error) {
	var out DeviceConfiguration
	_, err := c.execute(ctx, "get device configuration", func(token string) (*resty.Response, error) {
		return c.httpClient.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetPathParam("deviceid", deviceID).
			SetResult(&out).
			Get("/api/v1/digils/{deviceid}/configuration")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeviceTelemetry 读取设备遥测快照（诊断 + 测量）
func (c *Client) GetDeviceTelemetry(ctx context.Context, deviceID string) (*DeviceTelemetry, error) {
	var out DeviceTelemetry
	_, err := c.execute(ctx, "get device telemetry", func(token string) (*resty.Response, error) {
		return c.httpClient.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetPathParam("deviceid", deviceID).
			SetResult(&out).
			Get("/api/v1/digils/{deviceid}")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// execute 执行一次 API 调用，处理令牌刷新
// 401/403：失效共享令牌后用新令牌重试一次，仍失败则归类为认证错误
func (c *Client) execute(ctx context.Context, op string, call func(token string) (*resty.Response, error)) (*resty.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &APIError{Kind: KindAuth, Op: op, Err: err}
	}

	resp, err := call(token)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Op: op, Err: err}
	}

	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		c.logger.Debug("Token rejected, refreshing",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode()),
		)
		c.tokens.Invalidate()

		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, &APIError{Kind: KindAuth, Op: op, Err: err}
		}
		resp, err = call(token)
		if err != nil {
			return nil, &APIError{Kind: KindTransport, Op: op, Err: err}
		}
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			return nil, &APIError{Kind: KindAuth, Op: op, StatusCode: resp.StatusCode()}
		}
	}

	if resp.IsError() {
		return nil, &APIError{Kind: KindHTTP, Op: op, StatusCode: resp.StatusCode()}
	}
	return resp, nil
}
