package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOTICE"
	defaultHTTPAddress       = "0.0.0.0:8000"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "notice.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSessionIssuer     = "notice-auth"
	defaultSessionCookieName = "app_session"
	defaultSessionTTLMinutes = 60 * 24
	defaultCORSOrigins       = "*"
	defaultDeepgramURL       = "wss://api.deepgram.com/v1/listen"
	defaultDeepgramModel     = "nova-2"
	defaultDeepgramLanguage  = "en-US"
	defaultGenerationVendor  = GenerationProviderLorem
	defaultAudioDirectory    = "audio"
	defaultConvertMinutes    = 30
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported note generation providers.
const (
	GenerationProviderAnthropic = "anthropic"
	GenerationProviderLorem     = "lorem"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionTTL           time.Duration

	CORSAllowedOrigins []string

	DeepgramAPIKey   string
	DeepgramURL      string
	DeepgramModel    string
	DeepgramLanguage string

	GenerationProvider string
	GenerationAPIKey   string
	GenerationModel    string

	GenerationCleanMaxTokens   int
	GenerationOutlineMaxTokens int

	AudioDirectory      string
	AudioFFmpegPath     string
	AudioConvertTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", defaultCORSOrigins)
	configViper.SetDefault("deepgram.api_key", "")
	configViper.SetDefault("deepgram.url", defaultDeepgramURL)
	configViper.SetDefault("deepgram.model", defaultDeepgramModel)
	configViper.SetDefault("deepgram.language", defaultDeepgramLanguage)
	configViper.SetDefault("generation.provider", defaultGenerationVendor)
	configViper.SetDefault("generation.api_key", "")
	configViper.SetDefault("generation.model", "")
	configViper.SetDefault("generation.clean_max_tokens", 0)
	configViper.SetDefault("generation.outline_max_tokens", 0)
	configViper.SetDefault("audio.directory", defaultAudioDirectory)
	configViper.SetDefault("audio.ffmpeg_path", "")
	configViper.SetDefault("audio.convert_timeout_minutes", defaultConvertMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:                configViper.GetString("http.address"),
		DatabaseDriver:             strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:               configViper.GetString("database.path"),
		DatabaseDSN:                configViper.GetString("database.dsn"),
		LogLevel:                   configViper.GetString("log.level"),
		LogFormat:                  configViper.GetString("log.format"),
		SessionSigningSecret:       configViper.GetString("session.signing_secret"),
		SessionIssuer:              configViper.GetString("session.issuer"),
		SessionCookieName:          configViper.GetString("session.cookie_name"),
		SessionTTL:                 time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		CORSAllowedOrigins:         splitList(configViper.GetString("cors.allowed_origins")),
		DeepgramAPIKey:             configViper.GetString("deepgram.api_key"),
		DeepgramURL:                configViper.GetString("deepgram.url"),
		DeepgramModel:              configViper.GetString("deepgram.model"),
		DeepgramLanguage:           configViper.GetString("deepgram.language"),
		GenerationProvider:         strings.ToLower(strings.TrimSpace(configViper.GetString("generation.provider"))),
		GenerationAPIKey:           configViper.GetString("generation.api_key"),
		GenerationModel:            configViper.GetString("generation.model"),
		GenerationCleanMaxTokens:   configViper.GetInt("generation.clean_max_tokens"),
		GenerationOutlineMaxTokens: configViper.GetInt("generation.outline_max_tokens"),
		AudioDirectory:             configViper.GetString("audio.directory"),
		AudioFFmpegPath:            configViper.GetString("audio.ffmpeg_path"),
		AudioConvertTimeout:        time.Duration(configViper.GetInt("audio.convert_timeout_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.GenerationProvider {
	case GenerationProviderLorem:
	case GenerationProviderAnthropic:
		if strings.TrimSpace(c.GenerationAPIKey) == "" {
			return fmt.Errorf("generation.api_key is required for the %s provider", c.GenerationProvider)
		}
	default:
		return fmt.Errorf("generation.provider %q is not supported", c.GenerationProvider)
	}
	if strings.TrimSpace(c.AudioDirectory) == "" {
		return fmt.Errorf("audio.directory is required")
	}
	if c.AudioConvertTimeout <= 0 {
		return fmt.Errorf("audio.convert_timeout_minutes must be positive")
	}
	if c.GenerationCleanMaxTokens < 0 || c.GenerationOutlineMaxTokens < 0 {
		return fmt.Errorf("generation max tokens must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
