// Package config loads the fleetsync YAML config and applies environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fleetsync/internal/logging"
	"fleetsync/internal/model"
	"fleetsync/internal/schedule"
	"fleetsync/internal/webhooks"
)

type Config struct {
	HTTP     HTTP                `yaml:"http"`
	Database Database            `yaml:"database"`
	Redis    Redis               `yaml:"redis"`
	NATS     NATS                `yaml:"nats"`
	Traccar  Traccar             `yaml:"traccar"`
	Sweep    Sweep               `yaml:"sweep"`
	Worker   Worker              `yaml:"worker"`
	Webhooks []webhooks.Endpoint `yaml:"webhooks" validate:"dive"`
	Log      logging.Options     `yaml:"log"`
}

type HTTP struct {
	Addr string `yaml:"addr" validate:"required"`
}

type Database struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	Migrate bool   `yaml:"migrate"`
}

type Redis struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

type NATS struct {
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Traccar struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Username         string        `yaml:"username" validate:"required_if=Enabled true"`
	Password         string        `yaml:"password"`
	DistanceFactor   float64       `yaml:"distance_factor" validate:"gte=0"`
	SweepConcurrency int           `yaml:"sweep_concurrency" validate:"gte=0,lte=64"`
	RatePerSecond    float64       `yaml:"rate_per_second" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0,lte=10s"` // every call is also capped at 10s
}

type Sweep struct {
	Trigger string `yaml:"trigger" validate:"required,cron"`
}

type Worker struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
}

// Default returns a config that runs in memory with the integration off.
func Default() Config {
	return Config{
		HTTP:    HTTP{Addr: ":8080"},
		NATS:    NATS{SubjectPrefix: "fleetsync"},
		Traccar: Traccar{DistanceFactor: 1, SweepConcurrency: 4, RatePerSecond: 10, Timeout: 10 * time.Second},
		Sweep:   Sweep{Trigger: "@every 1m"},
		Worker:  Worker{PollInterval: time.Second, MaxAttempts: 10},
		Log:     logging.Options{Level: "INFO", MaxAgeDays: 30},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.HTTP.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	str("NATS_URL", &cfg.NATS.URL)
	str("TRACCAR_URL", &cfg.Traccar.URL)
	str("TRACCAR_USERNAME", &cfg.Traccar.Username)
	str("TRACCAR_PASSWORD", &cfg.Traccar.Password)
	str("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := lookup("TRACCAR_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACCAR_ENABLED: %w", err)
		}
		cfg.Traccar.Enabled = b
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return schedule.Validate(fl.Field().String()) == nil
	})
	return v
}

// Validate reports every failing field in one error.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		if _, lerr := logging.ParseLevel(cfg.Log.Level); lerr != nil {
			return fmt.Errorf("invalid config: log.level: %w", lerr)
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Settings converts the traccar section into the integration settings the
// engine reads each sweep.
func (t Traccar) Settings() model.IntegrationSettings {
	return model.IntegrationSettings{
		Enabled:          t.Enabled,
		BaseURL:          t.URL,
		Username:         t.Username,
		Password:         t.Password,
		DistanceFactor:   t.DistanceFactor,
		SweepConcurrency: t.SweepConcurrency,
	}
}
