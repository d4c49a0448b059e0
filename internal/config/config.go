package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port               int
	Env                string
	LogLevel           string
	DatabaseURL        string
	NatsURL            string
	NatsToken          string
	VoiceflowAPIKey    string
	VoiceflowProjectID string
	VoiceflowVersionID string
	VoiceflowBaseURL   string
	AuthSecret         string
	CookieName         string
	CookieMaxAgeDays   int
	SlackBotToken      string
	SlackChannel       string
}

func Load() Config {
	return Config{
		Port:               envInt("COMPASS_PORT", 8760),
		Env:                envStr("APP_ENV", "development"),
		LogLevel:           envStr("LOG_LEVEL", "info"),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		NatsURL:            envStr("NATS_URL", ""),
		NatsToken:          envStr("NATS_TOKEN", ""),
		VoiceflowAPIKey:    envStr("VOICEFLOW_API_KEY", ""),
		VoiceflowProjectID: envStr("VOICEFLOW_PROJECT_ID", ""),
		VoiceflowVersionID: envStr("VOICEFLOW_VERSION_ID", "production"),
		VoiceflowBaseURL:   envStr("VOICEFLOW_BASE_URL", "https://general-runtime.voiceflow.com"),
		AuthSecret:         envStr("COMPASS_AUTH_SECRET", ""),
		CookieName:         envStr("COMPASS_COOKIE_NAME", "compass_session"),
		CookieMaxAgeDays:   envInt("COMPASS_COOKIE_MAX_AGE_DAYS", 7),
		SlackBotToken:      envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:       envStr("SLACK_SECURITY_CHANNEL", ""),
	}
}

// Production reports whether the service runs with production settings:
// secure cookies and no upstream detail in error responses.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
