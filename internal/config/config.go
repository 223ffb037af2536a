package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Log            LogConfig            `mapstructure:"log"`
	Audio          AudioConfig          `mapstructure:"audio"`
	Segmenter      SegmenterConfig      `mapstructure:"segmenter"`
	Invoker        InvokerConfig        `mapstructure:"invoker"`
	Supervisor     SupervisorConfig     `mapstructure:"supervisor"`
	Reclaimer      ReclaimerConfig      `mapstructure:"reclaimer"`
	Languages      LanguagesConfig      `mapstructure:"languages"`
	Engine         EngineConfig         `mapstructure:"engine"`
	CallAutomation CallAutomationConfig `mapstructure:"callautomation"`
	Backpressure   BackpressureConfig   `mapstructure:"backpressure"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AudioConfig struct {
	SampleRate     int `mapstructure:"sample_rate"`
	BytesPerSample int `mapstructure:"bytes_per_sample"`
}

type SegmenterConfig struct {
	MaxBytes         int           `mapstructure:"max_bytes"`
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	SilenceHold      time.Duration `mapstructure:"silence_hold"`
	SilenceThreshold float64       `mapstructure:"silence_threshold"`
}

type InvokerConfig struct {
	QueueSize int           `mapstructure:"queue_size"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

type SupervisorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

type ReclaimerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	OrphanCallTimeout time.Duration `mapstructure:"orphan_call_timeout"`
}

type LanguagesConfig struct {
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`
}

type EngineConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Deployment  string        `mapstructure:"deployment"`
	Voice       string        `mapstructure:"voice"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type CallAutomationConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	AccessKey      string        `mapstructure:"access_key"`
	APIVersion     string        `mapstructure:"api_version"`
	CallbackURI    string        `mapstructure:"callback_uri"`
	MediaWSURI     string        `mapstructure:"media_ws_uri"`
	BotParticipant string        `mapstructure:"bot_participant"`
	BotName        string        `mapstructure:"bot_name"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type BackpressureConfig struct {
	Policy string `mapstructure:"policy"`
}

// Load reads .env (if present), then config/config.<CONFIG_ENV>.yaml, then
// environment overrides such as SEGMENTER_MAX_BYTES.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("languages", cfg.Languages.Source+"->"+cfg.Languages.Target).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.bytes_per_sample", 2)

	v.SetDefault("segmenter.max_bytes", 1<<20)
	v.SetDefault("segmenter.max_duration", "3s")
	v.SetDefault("segmenter.silence_hold", "500ms")
	v.SetDefault("segmenter.silence_threshold", 0.01)

	v.SetDefault("invoker.queue_size", 16)
	v.SetDefault("invoker.stop_grace", "2s")

	v.SetDefault("supervisor.interval", "1s")
	v.SetDefault("supervisor.max_parallel", 8)

	v.SetDefault("reclaimer.interval", "60s")
	v.SetDefault("reclaimer.idle_timeout", "5m")
	v.SetDefault("reclaimer.orphan_call_timeout", "5m")

	v.SetDefault("languages.source", "en")
	v.SetDefault("languages.target", "zh")

	v.SetDefault("engine.url", "")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.deployment", "gpt-4o-realtime-preview")
	v.SetDefault("engine.voice", "alloy")
	v.SetDefault("engine.dial_timeout", "10s")

	v.SetDefault("callautomation.endpoint", "")
	v.SetDefault("callautomation.access_key", "")
	v.SetDefault("callautomation.api_version", "2024-09-15")
	v.SetDefault("callautomation.callback_uri", "")
	v.SetDefault("callautomation.media_ws_uri", "")
	v.SetDefault("callautomation.bot_participant", "")
	v.SetDefault("callautomation.bot_name", "Interpreter")
	v.SetDefault("callautomation.timeout", "10s")

	v.SetDefault("backpressure.policy", "drop")
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0:
		return fmt.Errorf("config: port must be positive, got %d", c.Port)
	case c.Audio.SampleRate <= 0 || c.Audio.BytesPerSample <= 0:
		return errors.New("config: audio format must be positive")
	case c.Segmenter.MaxBytes <= 0:
		return errors.New("config: segmenter.max_bytes must be positive")
	case c.Segmenter.MaxDuration <= 0 || c.Segmenter.SilenceHold <= 0:
		return errors.New("config: segmenter durations must be positive")
	case c.Invoker.QueueSize <= 0:
		return errors.New("config: invoker.queue_size must be positive")
	case c.Supervisor.Interval <= 0 || c.Reclaimer.Interval <= 0:
		return errors.New("config: supervisor and reclaimer intervals must be positive")
	case c.Reclaimer.IdleTimeout <= 0:
		return errors.New("config: reclaimer.idle_timeout must be positive")
	}
	switch c.Backpressure.Policy {
	case "drop", "kick":
	default:
		return fmt.Errorf("config: unknown backpressure.policy %q", c.Backpressure.Policy)
	}
	return nil
}
