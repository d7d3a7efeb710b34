package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the voice bridge service.
// Required fields without a value make startup fail.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"voicebridge"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	SessionIdleTimeout time.Duration `env:"APP_SESSION_IDLE_TIMEOUT" envDefault:"5m"`
	SweepInterval      time.Duration `env:"APP_SWEEP_INTERVAL" envDefault:"15s"`
	ProviderTimeout    time.Duration `env:"APP_PROVIDER_TIMEOUT" envDefault:"10s"`

	WebhookURL string `env:"N8N_WEBHOOK_URL,required,notEmpty"`

	DailyAPIKey  string        `env:"DAILY_API_KEY,required,notEmpty"`
	DailyAPIURL  string        `env:"DAILY_API_URL" envDefault:"https://api.daily.co"`
	DailyRoomTTL time.Duration `env:"DAILY_ROOM_TTL" envDefault:"1h"`

	DeepgramAPIKey    string `env:"DEEPGRAM_API_KEY,required,notEmpty"`
	DeepgramWSBaseURL string `env:"DEEPGRAM_WS_BASE_URL" envDefault:"wss://api.deepgram.com"`
	DeepgramModel     string `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	DeepgramLanguage  string `env:"DEEPGRAM_LANGUAGE" envDefault:"en-US"`

	ElevenLabsAPIKey  string `env:"ELEVENLABS_API_KEY,required,notEmpty"`
	ElevenLabsAPIURL  string `env:"ELEVENLABS_API_URL" envDefault:"https://api.elevenlabs.io"`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID,required,notEmpty"`
	ElevenLabsModelID string `env:"ELEVENLABS_TTS_MODEL_ID" envDefault:"eleven_turbo_v2"`

	// Optional conversation transcript store. Disabled when empty.
	DatabaseURL string `env:"DATABASE_URL"`

	AllowAnyOrigin bool `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
}

// Load reads environment variables, applies defaults, and validates the
// result. Any error here is fatal at process start.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("APP_SWEEP_INTERVAL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("APP_PROVIDER_TIMEOUT must be positive")
	}
	if c.DailyRoomTTL < time.Minute {
		return fmt.Errorf("DAILY_ROOM_TTL must be at least 1m")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
