package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config DIGIL 重置服务配置
type Config struct {
	// OAuth2 认证配置（client_credentials）
	Auth struct {
		AuthURL      string `yaml:"auth_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"auth"`

	// DIGIL 后端 API 配置
	API struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		// 部分内网环境使用自签名证书
		TLSInsecure bool `yaml:"tls_insecure"`
	} `yaml:"api"`

	// 并发与重试配置
	Fleet struct {
		// 工作协程数量（每个设备一个任务）
		MaxWorkers int `yaml:"max_workers"`
		// 命令确认轮询间隔（秒），设备异步执行命令，默认 60 秒
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		// 发送失败后的固定退避（秒）
		SendRetrySeconds int `yaml:"send_retry_seconds"`
	} `yaml:"fleet"`

	// 验证配置
	Verify struct {
		// 倾角归零容差（设备原生单位），默认 0.20
		InclTolerance float64 `yaml:"incl_tolerance"`
	} `yaml:"verify"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置：可选 YAML 文件 + 环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// 环境变量优先级高于配置文件
	cfg.Auth.AuthURL = getEnv("AUTH_URL", cfg.Auth.AuthURL)
	cfg.Auth.ClientID = getEnv("CLIENT_ID", cfg.Auth.ClientID)
	cfg.Auth.ClientSecret = getEnv("CLIENT_SECRET", cfg.Auth.ClientSecret)

	cfg.API.BaseURL = getEnv("BASE_URL", cfg.API.BaseURL)
	cfg.API.TimeoutSeconds = getEnvInt("HTTP_TIMEOUT_SECONDS", cfg.API.TimeoutSeconds)
	cfg.API.TLSInsecure = getEnv("TLS_INSECURE", boolStr(cfg.API.TLSInsecure)) == "true"

	cfg.Fleet.MaxWorkers = getEnvInt("MAX_WORKERS", cfg.Fleet.MaxWorkers)
	cfg.Fleet.PollIntervalSeconds = getEnvInt("POLL_INTERVAL_SECONDS", cfg.Fleet.PollIntervalSeconds)
	cfg.Fleet.SendRetrySeconds = getEnvInt("SEND_RETRY_SECONDS", cfg.Fleet.SendRetrySeconds)

	if v := getEnv("INCL_TOLERANCE", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Verify.InclTolerance = f
		}
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.API.BaseURL = "https://digil-back-end-onesait.servizi.prv"
	cfg.API.TimeoutSeconds = 30
	cfg.Fleet.MaxWorkers = 30
	cfg.Fleet.PollIntervalSeconds = 60
	cfg.Fleet.SendRetrySeconds = 5
	cfg.Verify.InclTolerance = 0.20
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
