package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type AppConfig struct {
	APIBaseURL string
	WSBaseURL  string
	AuthToken  string

	AccountID       int64
	VendorID        int64
	TableIdentifier string
	OrderID         int64

	StoragePath           string
	VerifyInterval        time.Duration
	RESTRequestsPerMinute int
	HTTPListen            string
	CORSOrigins           []string
	LogLevel              string
	LogFormatJSON         bool
	LogGroups             []string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		StoragePath:           "qrsync.db",
		VerifyInterval:        60 * time.Second,
		RESTRequestsPerMinute: 60,
		HTTPListen:            ":8080",
		CORSOrigins:           []string{"*"},
		LogLevel:              "info",
		LogFormatJSON:         false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("qrsync", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "Order API base URL, e.g. https://menu.example.com (env: QRSYNC_API_BASE_URL)")
	fs.StringVar(&cfg.WSBaseURL, "ws-base-url", cfg.WSBaseURL, "WebSocket base URL, e.g. wss://menu.example.com (env: QRSYNC_WS_BASE_URL)")
	fs.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Session token for the notification channel (env: QRSYNC_AUTH_TOKEN)")

	fs.Int64Var(&cfg.AccountID, "account-id", cfg.AccountID, "Account id for the notification channel; 0 skips it (env: QRSYNC_ACCOUNT_ID)")
	fs.Int64Var(&cfg.VendorID, "vendor-id", cfg.VendorID, "Vendor id of the registered table (env: QRSYNC_VENDOR_ID)")
	fs.StringVar(&cfg.TableIdentifier, "table", cfg.TableIdentifier, "Table identifier of the registered table (env: QRSYNC_TABLE)")
	fs.Int64Var(&cfg.OrderID, "order-id", cfg.OrderID, "Order id to track; 0 skips the tracking channel (env: QRSYNC_ORDER_ID)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path (env: QRSYNC_STORAGE_PATH)")
	fs.DurationVar(&cfg.VerifyInterval, "verify-interval", cfg.VerifyInterval, "Interval between REST verification sweeps (env: QRSYNC_VERIFY_INTERVAL)")
	fs.IntVar(&cfg.RESTRequestsPerMinute, "rest-rpm", cfg.RESTRequestsPerMinute, "Cap on REST API requests per minute; 0 disables the cap (env: QRSYNC_REST_RPM)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: QRSYNC_HTTP_LISTEN)")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "Allowed CORS origins (env: QRSYNC_CORS_ORIGINS)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: QRSYNC_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: QRSYNC_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only emit logs from these slog groups (env: QRSYNC_LOG_GROUPS)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left unset and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt64 := func(name, envKey string, target *int64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*target = parsed
			}
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}
	setSlice := func(name, envKey string, target *[]string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			parts := strings.Split(v, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*target = out
		}
	}

	setString("api-base-url", "QRSYNC_API_BASE_URL", &cfg.APIBaseURL)
	setString("ws-base-url", "QRSYNC_WS_BASE_URL", &cfg.WSBaseURL)
	setString("auth-token", "QRSYNC_AUTH_TOKEN", &cfg.AuthToken)

	setInt64("account-id", "QRSYNC_ACCOUNT_ID", &cfg.AccountID)
	setInt64("vendor-id", "QRSYNC_VENDOR_ID", &cfg.VendorID)
	setString("table", "QRSYNC_TABLE", &cfg.TableIdentifier)
	setInt64("order-id", "QRSYNC_ORDER_ID", &cfg.OrderID)

	setString("storage-path", "QRSYNC_STORAGE_PATH", &cfg.StoragePath)
	setDuration("verify-interval", "QRSYNC_VERIFY_INTERVAL", &cfg.VerifyInterval)
	setInt("rest-rpm", "QRSYNC_REST_RPM", &cfg.RESTRequestsPerMinute)
	setString("http-listen", "QRSYNC_HTTP_LISTEN", &cfg.HTTPListen)
	setSlice("cors-origins", "QRSYNC_CORS_ORIGINS", &cfg.CORSOrigins)
	setString("log-level", "QRSYNC_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "QRSYNC_LOG_JSON", &cfg.LogFormatJSON)
	setSlice("log-groups", "QRSYNC_LOG_GROUPS", &cfg.LogGroups)

	return nil
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if cfg.APIBaseURL == "" {
		missing = append(missing, "api-base-url")
	}
	if cfg.WSBaseURL == "" {
		missing = append(missing, "ws-base-url")
	}
	if cfg.VendorID == 0 {
		missing = append(missing, "vendor-id")
	}
	if strings.TrimSpace(cfg.TableIdentifier) == "" {
		missing = append(missing, "table")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if cfg.AccountID != 0 && cfg.AuthToken == "" {
		return fmt.Errorf("account-id requires auth-token")
	}
	return nil
}

func GetLogHandler(cfg AppConfig) slog.Handler {
	var level slog.Level
	if cfg.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return handler
}
