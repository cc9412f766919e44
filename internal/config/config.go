package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v7"
	"github.com/joho/godotenv"
)

// Config carries process-wide settings. Detection thresholds are deliberately
// named values: the defaults come from the security policy, not from tuning.
type Config struct {
	HTTPAddr    string `env:"SENTRA_HTTP_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"SENTRA_PG_DSN"`

	KafkaBrokers []string `env:"SENTRA_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"SENTRA_KAFKA_TOPIC" envDefault:"sentra.security.events"`

	Security SecurityConfig
}

// SecurityConfig groups every tunable used by the access store, the recorder
// and the three background workers.
type SecurityConfig struct {
	MaxFailedLogins   int `env:"SENTRA_MAX_FAILED_LOGINS" envDefault:"5"`
	HighRiskThreshold int `env:"SENTRA_HIGH_RISK_THRESHOLD" envDefault:"8"`

	BusinessHoursStart int `env:"SENTRA_BUSINESS_HOURS_START" envDefault:"8"`
	BusinessHoursEnd   int `env:"SENTRA_BUSINESS_HOURS_END" envDefault:"18"`

	QueueCapacity int `env:"SENTRA_ACTIVITY_QUEUE_CAPACITY" envDefault:"1000"`
	MaxLogEntries int `env:"SENTRA_ACTIVITY_LOG_ENTRIES" envDefault:"10000"`

	MonitorInterval time.Duration `env:"SENTRA_MONITOR_INTERVAL" envDefault:"1s"`
	RapidWindow     time.Duration `env:"SENTRA_RAPID_WINDOW" envDefault:"60s"`
	RapidThreshold  int           `env:"SENTRA_RAPID_THRESHOLD" envDefault:"10"`

	DetectorInterval time.Duration `env:"SENTRA_DETECTOR_INTERVAL" envDefault:"30s"`
	PatternWindow    time.Duration `env:"SENTRA_PATTERN_WINDOW" envDefault:"1h"`
	MaxRoleChanges   int           `env:"SENTRA_MAX_ROLE_CHANGES" envDefault:"1"`
	MaxFailedPattern int           `env:"SENTRA_MAX_FAILED_LOGIN_PATTERN" envDefault:"3"`
	MaxDataAccess    int           `env:"SENTRA_MAX_DATA_ACCESS" envDefault:"20"`

	BreachInterval time.Duration `env:"SENTRA_BREACH_INTERVAL" envDefault:"60s"`
	BreachWindow   time.Duration `env:"SENTRA_BREACH_WINDOW" envDefault:"5m"`
	MaxBankExports int           `env:"SENTRA_MAX_BANK_EXPORTS" envDefault:"5"`
}

// New loads configuration from the environment, optionally seeded from a
// dotenv file.
func New(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	s := c.Security
	if s.MaxFailedLogins <= 0 {
		return errors.New("config: SENTRA_MAX_FAILED_LOGINS must be positive")
	}
	if s.QueueCapacity <= 0 {
		return errors.New("config: SENTRA_ACTIVITY_QUEUE_CAPACITY must be positive")
	}
	if s.BusinessHoursStart < 0 || s.BusinessHoursStart > 23 ||
		s.BusinessHoursEnd < 0 || s.BusinessHoursEnd > 24 ||
		s.BusinessHoursEnd <= s.BusinessHoursStart {
		return errors.New("config: business hours window is invalid")
	}
	if s.MonitorInterval <= 0 || s.DetectorInterval <= 0 || s.BreachInterval <= 0 {
		return errors.New("config: worker intervals must be positive")
	}
	if s.RapidWindow <= 0 || s.PatternWindow <= 0 || s.BreachWindow <= 0 {
		return errors.New("config: detection windows must be positive")
	}
	return nil
}

// DefaultSecurity returns the security tunables with their policy defaults.
// Used by tests and by callers embedding the subsystem without env wiring.
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{
		MaxFailedLogins:    5,
		HighRiskThreshold:  8,
		BusinessHoursStart: 8,
		BusinessHoursEnd:   18,
		QueueCapacity:      1000,
		MaxLogEntries:      10000,
		MonitorInterval:    time.Second,
		RapidWindow:        60 * time.Second,
		RapidThreshold:     10,
		DetectorInterval:   30 * time.Second,
		PatternWindow:      time.Hour,
		MaxRoleChanges:     1,
		MaxFailedPattern:   3,
		MaxDataAccess:      20,
		BreachInterval:     60 * time.Second,
		BreachWindow:       5 * time.Minute,
		MaxBankExports:     5,
	}
}
