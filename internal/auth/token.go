package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// 认证服务器签发的令牌有效期 300 秒，提前 30 秒刷新
	tokenLifetime = 300 * time.Second
	refreshMargin = 30 * time.Second
)

// ErrMissingCredentials 认证配置不完整
var ErrMissingCredentials = errors.New("auth credentials not configured")

// TokenManager OAuth2 bearer 令牌管理器（client_credentials）
// 懒刷新：有效期内并发读互不阻塞，刷新是独占临界区；
// Invalidate 之后下一次 Token 强制刷新（刷新幂等，允许偶发的重复刷新）
type TokenManager struct {
	authURL      string
	clientID     string
	clientSecret string

	httpClient *resty.Client
	logger     *zap.Logger

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

// NewTokenManager 创建令牌管理器
func NewTokenManager(authURL, clientID, clientSecret string, timeout time.Duration, tlsInsecure bool, logger *zap.Logger) *TokenManager {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	if tlsInsecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &TokenManager{
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   client,
		logger:       logger,
	}
}

// Token 返回有效令牌，必要时刷新（线程安全）
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.valid() {
		token := m.token
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// 其它协程可能已经刷新过了
	if m.valid() {
		return m.token, nil
	}

	token, err := m.fetch(ctx)
	if err != nil {
		return "", err
	}
	m.token = token
	m.expiry = time.Now().Add(tokenLifetime)

	m.logger.Debug("Token refreshed", zap.Time("expiry", m.expiry))
	return token, nil
}

// Invalidate 失效当前令牌（401/403 之后调用）
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiry = time.Time{}
}

// Validate 校验认证配置并实际获取一次令牌
// 每次批量运行前调用一次，失败则整批快速失败
func (m *TokenManager) Validate(ctx context.Context) error {
	if m.authURL == "" || m.clientID == "" || m.clientSecret == "" {
		return ErrMissingCredentials
	}

	token, err := m.fetch(ctx)
	if err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	m.mu.Lock()
	m.token = token
	m.expiry = time.Now().Add(tokenLifetime)
	m.mu.Unlock()

	m.logger.Info("Auth validation OK")
	return nil
}

// valid 调用方必须持有读锁或写锁
func (m *TokenManager) valid() bool {
	return m.token != "" && time.Now().Before(m.expiry.Add(-refreshMargin))
}

func (m *TokenManager) fetch(ctx context.Context) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}

	resp, err := m.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     m.clientID,
			"client_secret": m.clientSecret,
		}).
		SetResult(&out).
		Post(m.authURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode())
	}
	if out.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}
	return out.AccessToken, nil
}
