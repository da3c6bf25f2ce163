package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host          string
	Port          int
	PublicBaseURL string
	CORSOrigins   []string
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime string
}

type AuthConfig struct {
	AccessSecret string
}

type VisionConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
}

type UploadConfig struct {
	MaxImageBytes  int
	RateLimitRPS   float64
	RateLimitBurst int
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Vision      VisionConfig
	Upload      UploadConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host:          v.GetString("HTTP_HOST"),
			Port:          v.GetInt("HTTP_PORT"),
			PublicBaseURL: v.GetString("PUBLIC_BASE_URL"),
			CORSOrigins:   parseList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetString("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Vision: VisionConfig{
			APIKey:      v.GetString("VISION_API_KEY"),
			BaseURL:     v.GetString("VISION_BASE_URL"),
			Model:       v.GetString("VISION_MODEL"),
			Timeout:     v.GetDuration("VISION_TIMEOUT"),
			MaxAttempts: v.GetInt("VISION_MAX_ATTEMPTS"),
		},
		Upload: UploadConfig{
			MaxImageBytes:  v.GetInt("MAX_IMAGE_BYTES"),
			RateLimitRPS:   v.GetFloat64("UPLOAD_RATE_LIMIT_RPS"),
			RateLimitBurst: v.GetInt("UPLOAD_RATE_LIMIT_BURST"),
		},
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.PublicBaseURL == "" {
		cfg.HTTP.PublicBaseURL = fmt.Sprintf("http://localhost:%d", cfg.HTTP.Port)
	}
	cfg.HTTP.PublicBaseURL = strings.TrimRight(cfg.HTTP.PublicBaseURL, "/")
	if cfg.Vision.BaseURL == "" {
		cfg.Vision.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Vision.Model == "" {
		cfg.Vision.Model = "gemini-1.5-flash"
	}
	if cfg.Vision.Timeout <= 0 {
		cfg.Vision.Timeout = 30 * time.Second
	}
	if cfg.Vision.MaxAttempts <= 0 {
		cfg.Vision.MaxAttempts = 1
	}
	if cfg.Upload.MaxImageBytes <= 0 {
		cfg.Upload.MaxImageBytes = 10 << 20
	}
	if cfg.Upload.RateLimitBurst <= 0 {
		cfg.Upload.RateLimitBurst = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Vision.APIKey == "" {
		return fmt.Errorf("VISION_API_KEY is required")
	}
	if cfg.Upload.RateLimitRPS < 0 {
		return fmt.Errorf("UPLOAD_RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	result := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
