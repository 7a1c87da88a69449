package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrNoSecret = errors.New("secret is required")

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	LogLevel        string   `mapstructure:"log_level"`
	DBPath          string   `mapstructure:"db_path"`
	ModeratorSecret string   `mapstructure:"moderator_secret"`
	ICEServers      []string `mapstructure:"ice_servers"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`

	Karaoke Karaoke `mapstructure:"karaoke"`
	Limits  Limits  `mapstructure:"limits"`
}

type Karaoke struct {
	CountdownSeconds   int           `mapstructure:"countdown_seconds"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MediaTimeout       time.Duration `mapstructure:"media_timeout"`
}

type Limits struct {
	MicPerSecond   float64 `mapstructure:"mic_per_second"`
	ScorePerSecond float64 `mapstructure:"score_per_second"`
	Burst          int     `mapstructure:"burst"`
	// MaxMisses is how many dropped frames a slow member survives.
	MaxMisses int `mapstructure:"max_misses"`
}

// Flags declares the command line overrides Load understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("karaoke", pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	fs.String("mode", "", "gin mode: debug or release")
	fs.Int("port", 0, "listen port")
	fs.String("log-level", "", "zerolog level")
	fs.String("db", "", "sqlite path for turn results")
	return fs
}

var flagKeys = map[string]string{
	"mode":      "mode",
	"port":      "port",
	"log-level": "log_level",
	"db":        "db_path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("moderator_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "karaoke.db")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("allowed_origins", []string{"*"})

	v.SetDefault("karaoke.countdown_seconds", 15)
	v.SetDefault("karaoke.tick_interval", "1s")
	v.SetDefault("karaoke.negotiation_timeout", "10s")
	v.SetDefault("karaoke.media_timeout", "15s")

	v.SetDefault("limits.mic_per_second", 1)
	v.SetDefault("limits.score_per_second", 2)
	v.SetDefault("limits.burst", 3)
	v.SetDefault("limits.max_misses", 8)
}

// Load reads the yaml config, then env (KARAOKE_*), then set flags.
// flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := ""
	if flags != nil {
		fileName, _ = flags.GetString("config")
	}
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("KARAOKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range flagKeys {
			if f := flags.Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}
