package config

import (
	"sync"
)

var (
	globalConfig Config
	initOnce     sync.Once
)

type Config struct {
	Server    ServerConfig    `json:"server" envPrefix:"SERVER_" validate:"required"`
	Database  DatabaseConfig  `json:"database" envPrefix:"DB_" validate:"required"`
	Redis     RedisConfig     `json:"redis" envPrefix:"REDIS_" validate:"required"`
	Auth      AuthConfig      `json:"auth" envPrefix:"AUTH_" validate:"required"`
	Cookies   CookieConfig    `json:"cookies" envPrefix:"COOKIE_" validate:"required"`
	RateLimit RateLimitConfig `json:"rate_limit" envPrefix:"RATE_" validate:"required"`
}

type ServerConfig struct {
	Port         string   `json:"port" env:"PORT" validate:"required,numeric"`
	Host         string   `json:"host" env:"HOST" validate:"required,hostname|ip"`
	ReadTimeout  Duration `json:"read_timeout" env:"READ_TIMEOUT" validate:"required,duration_gt0"`
	WriteTimeout Duration `json:"write_timeout" env:"WRITE_TIMEOUT" validate:"required,duration_gt0"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything in RAM.
	Path string `json:"path" env:"PATH" validate:"required"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"ADDR" validate:"required,hostname_port"`
	Password string `json:"password" env:"PASSWORD" validate:"omitempty"`
	DB       int    `json:"db" env:"DB" validate:"gte=0"`
}

type AuthConfig struct {
	// AccessSecret and RefreshSecret seed the two independent signing keys.
	// Blank values fall back to random per-process keys, which breaks
	// multi-instance deployments and invalidates tokens on restart.
	AccessSecret  string   `json:"access_secret" env:"ACCESS_SECRET" validate:"omitempty"`
	RefreshSecret string   `json:"refresh_secret" env:"REFRESH_SECRET" validate:"omitempty"`
	AccessTTL     Duration `json:"access_ttl" env:"ACCESS_TTL" validate:"required,duration_gt0"`
	RefreshTTL    Duration `json:"refresh_ttl" env:"REFRESH_TTL" validate:"required,duration_gt0"`
	CodeTTL       Duration `json:"code_ttl" env:"CODE_TTL" validate:"required,duration_gt0"`
	// RetentionGrace keeps revoked refresh records visible for replay
	// detection. Zero means they stay until their natural expiry.
	RetentionGrace Duration `json:"retention_grace" env:"RETENTION_GRACE" validate:"gte=0"`
	// TokenStore selects the refresh token backend: "redis" or "sqlite".
	TokenStore string `json:"token_store" env:"TOKEN_STORE" validate:"required,oneof=redis sqlite"`
	// LogCodes dumps verification and reset codes to the log instead of
	// sending mail. Development only.
	LogCodes bool `json:"log_codes" env:"LOG_CODES"`
}

type CookieConfig struct {
	Domain   string `json:"domain" env:"DOMAIN" validate:"omitempty"`
	Secure   bool   `json:"secure" env:"SECURE"`
	SameSite string `json:"same_site" env:"SAME_SITE" validate:"required,oneof=lax strict none"`
}

type RateLimitConfig struct {
	Window Duration `json:"window" env:"WINDOW" validate:"required,duration_gt0"`
	Max    int      `json:"max" env:"MAX" validate:"required,gt=0"`
}
