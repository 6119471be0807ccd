// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

// Config represents the application configuration.
// Fields without a `default` tag are required.
type Config struct {
	APIName        string `env:"QB_API_APP_NAME"`
	APIVersion     string `env:"QB_API_APP_VERSION"`
	ServerPort     string `env:"QB_API_SERVER_PORT" default:"3008"`
	ServerLogLevel string `env:"QB_API_SERVER_LOG_LEVEL" default:"info"`

	PostgresDsn      string `env:"QB_API_PG_DSN"`
	PostgresSchema   string `env:"QB_API_PG_SCHEMA" default:"api"`
	PostgresLogLevel string `env:"QB_API_PG_LOG_LEVEL" default:"warn"`
	PostgresPoolSize int    `env:"QB_API_PG_POOL_SIZE" default:"20"`

	RedisHost     string `env:"QB_API_REDIS_HOST"`
	RedisPort     string `env:"QB_API_REDIS_PORT" default:"6379"`
	RedisPassword string `env:"QB_API_REDIS_PASSWORD" default:""`
	RedisPoolSize int    `env:"QB_API_REDIS_POOL_SIZE" default:"10"`

	// Semicolon-separated account credentials, each "user_id:password:totp_secret".
	KiteAccounts string `env:"QB_API_KITE_ACCOUNTS"`

	PublishChannelPrefix string `env:"QB_API_PUBLISH_CHANNEL_PREFIX" default:"ticker"`

	TickBatchWindowMs int `env:"QB_API_TICK_BATCH_WINDOW_MS" default:"100"`
	TickBatchMaxSize  int `env:"QB_API_TICK_BATCH_MAX_SIZE" default:"1000"`

	MaxInstrumentsPerWSConnection int `env:"QB_API_MAX_INSTRUMENTS_PER_WS_CONN" default:"1000"`

	MockDataEnabled  bool `env:"QB_API_MOCK_DATA_ENABLED" default:"false"`
	MockStateMaxSize int  `env:"QB_API_MOCK_STATE_MAX_SIZE" default:"5000"`

	OrderExecutorMaxTasks       int `env:"QB_API_ORDER_EXECUTOR_MAX_TASKS" default:"10000"`
	OrderExecutorPollIntervalMs int `env:"QB_API_ORDER_EXECUTOR_POLL_INTERVAL_MS" default:"1000"`
	OrderExecutorMaxAttempts    int `env:"QB_API_ORDER_EXECUTOR_MAX_ATTEMPTS" default:"5"`
	OrderIdempotencyWindowS     int `env:"QB_API_ORDER_IDEMPOTENCY_WINDOW_S" default:"300"`

	RedisCircuitFailureThreshold int `env:"QB_API_REDIS_CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	RedisCircuitRecoverySeconds  int `env:"QB_API_REDIS_CIRCUIT_RECOVERY_SECONDS" default:"30"`

	HistoricalBackfillDays  int `env:"QB_API_HISTORICAL_BACKFILL_DAYS" default:"5"`
	HistoricalBackfillBatch int `env:"QB_API_HISTORICAL_BACKFILL_BATCH" default:"50"`

	GreeksRiskFreeRate   float64 `env:"QB_API_GREEKS_RISK_FREE_RATE" default:"0.065"`
	GreeksMaxSpotAgeMs   int     `env:"QB_API_GREEKS_MAX_SPOT_AGE_MS" default:"2000"`
	InstrumentsStaleMins int     `env:"QB_API_INSTRUMENTS_STALE_MINS" default:"1440"`

	ReloadDebounceMs    int `env:"QB_API_RELOAD_DEBOUNCE_MS" default:"1000"`
	ReloadMaxDebounceMs int `env:"QB_API_RELOAD_MAX_DEBOUNCE_MS" default:"5000"`
	ReloadMinGapMs      int `env:"QB_API_RELOAD_MIN_GAP_MS" default:"5000"`
}

// AccountCredentials holds one broker account login triple.
type AccountCredentials struct {
	UserID     string
	Password   string
	TOTPSecret string
}

var (
	SingleLine string = "--------------------------------------------------"
)

var (
	instance *Config
	once     sync.Once
	err      error
)

// Get returns the application configuration
func Get() (*Config, error) {
	once.Do(func() {
		zaplogger.Info(SingleLine)
		zaplogger.Info("Loading Configuration")
		instance, err = loadConfig()
	})
	return instance, err
}

// loadConfig loads configuration from environment variables
func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(c).Elem()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envTag := field.Tag.Get("env")
		if envTag == "" {
			return fmt.Errorf("missing env tag for field %s", field.Name)
		}

		value := os.Getenv(envTag)
		if value == "" {
			defaultValue, hasDefault := field.Tag.Lookup("default")
			if !hasDefault {
				return fmt.Errorf("env variable %s is required but not set", envTag)
			}
			value = defaultValue
		}

		if err := setField(v.Field(i), field.Name, value); err != nil {
			return err
		}
	}

	return nil
}

// setField assigns a string env value to a typed struct field
func setField(fv reflect.Value, name, value string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("field %s: expected integer, got %q", name, value)
		}
		fv.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("field %s: expected bool, got %q", name, value)
		}
		fv.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("field %s: expected float, got %q", name, value)
		}
		fv.SetFloat(f)
	default:
		return fmt.Errorf("field %s: unsupported kind %s", name, fv.Kind())
	}
	return nil
}

// Accounts parses the KiteAccounts credential list
func (c *Config) Accounts() ([]AccountCredentials, error) {
	var accounts []AccountCredentials
	for _, entry := range strings.Split(c.KiteAccounts, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid account entry %q, expected user_id:password:totp_secret", maskValue(entry))
		}
		accounts = append(accounts, AccountCredentials{
			UserID:     parts[0],
			Password:   parts[1],
			TOTPSecret: parts[2],
		})
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured in QB_API_KITE_ACCOUNTS")
	}
	return accounts, nil
}

// String returns the configuration as a string
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n--------------------------------------\n")
	sb.WriteString("Configuration:\n")
	sb.WriteString("--------------------------------------\n")

	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(*c)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := fmt.Sprintf("%v", v.Field(i).Interface())

		// Mask sensitive fields
		value = maskSensitiveField(field.Name, value)
		sb.WriteString(fmt.Sprintf("  %s:  %s\n", field.Name, value))
	}

	sb.WriteString("--------------------------------------\n")

	return sb.String()
}

func maskSensitiveField(fieldName, value string) string {
	sensitiveFields := []string{"token", "dsn", "secret", "password", "url", "accounts"}

	fieldNameLower := strings.ToLower(fieldName)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(fieldNameLower, sensitive) {
			return maskValue(value)
		}
	}

	return value
}

func maskValue(value string) string {
	if len(value) <= 3 {
		return strings.Repeat("*", 7)
	}
	return value[:3] + strings.Repeat("*", 7)
}
