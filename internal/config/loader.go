package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// GetConfig builds the process-wide config on first call: defaults, then an
// optional JSON file (path in CONFIG_PATH), then environment variables, then
// validation. Later calls return the same instance.
func GetConfig() (*Config, error) {
	initOnce.Do(func() {
		setDefaults(&globalConfig)

		if err := loadFromJSON(&globalConfig); err != nil {
			log.Printf("failed to load config from JSON: %s\n", err.Error())
		}

		loadFromEnv(&globalConfig)

		if err := validate(&globalConfig); err != nil {
			log.Fatalf("config validation failed: %s", err.Error())
		}
	})

	return &globalConfig, nil
}

func setDefaults(cfg *Config) {
	cfg.Server = ServerConfig{
		Port:         "8080",
		Host:         "0.0.0.0",
		ReadTimeout:  Duration(30 * time.Second),
		WriteTimeout: Duration(30 * time.Second),
	}

	cfg.Database = DatabaseConfig{
		Path: "timeblocks.db",
	}

	cfg.Redis = RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
	}

	cfg.Auth = AuthConfig{
		AccessSecret:   "",
		RefreshSecret:  "",
		AccessTTL:      Duration(15 * time.Minute),
		RefreshTTL:     Duration(30 * 24 * time.Hour),
		CodeTTL:        Duration(30 * time.Minute),
		RetentionGrace: 0,
		TokenStore:     "redis",
		LogCodes:       true,
	}

	cfg.Cookies = CookieConfig{
		Domain:   "",
		Secure:   false,
		SameSite: "lax",
	}

	cfg.RateLimit = RateLimitConfig{
		Window: Duration(time.Minute),
		Max:    10,
	}
}

func loadFromJSON(cfg *Config) error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(cfg)
}

func loadFromEnv(cfg *Config) {
	_ = env.Parse(cfg)
}

func getConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return filepath.Join("config", "config.json")
}

func validate(cfg *Config) error {
	validate := validator.New()

	validate.RegisterValidation("duration_gt0", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(Duration)
		return ok && d > 0
	})

	return validate.Struct(cfg)
}
