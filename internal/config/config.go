package config

import (
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/rowstate/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel      = "info"
	DefaultBaselineSPM   = 22
	DefaultMinRate       = 0.0
	DefaultMaxRate       = 2.5
	DefaultAccelEasing   = 0.1
	DefaultDecelEasing   = 0.01
	DefaultFrameRate     = 60
	DefaultVolume        = 0.5
	DefaultScanTimeout   = 30
	DefaultDisplayListen = "127.0.0.1:8737"

	MinBaselineSPM = 10
	MaxBaselineSPM = 40

	envPrefix      = "ROWSTATE"
	configFileName = "rowstate"
)

type Config struct {
	LogLevel         string  `mapstructure:"log_level"`
	BaselineSPM      int     `mapstructure:"baseline_spm"`
	MinRate          float64 `mapstructure:"min_rate"`
	MaxRate          float64 `mapstructure:"max_rate"`
	AccelEasing      float64 `mapstructure:"accel_easing"`
	DecelEasing      float64 `mapstructure:"decel_easing"`
	FrameRate        int     `mapstructure:"frame_rate"`
	Metronome        bool    `mapstructure:"metronome"`
	MetronomeCadence int     `mapstructure:"metronome_cadence"`
	Volume           float64 `mapstructure:"volume"`
	HeartRate        bool    `mapstructure:"heart_rate"`
	Simulate         bool    `mapstructure:"simulate"`
	ScanTimeout      int     `mapstructure:"scan_timeout"`
	DisplayListen    string  `mapstructure:"display_listen"`
	NATSURL          string  `mapstructure:"nats_url"`
	Session          bool    `mapstructure:"session"`
	SessionDB        string  `mapstructure:"session_db"`
}

// Load reads configuration from defaults, the TOML config file, ROWSTATE_*
// environment variables and the given command line arguments, in increasing
// order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: envPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("rowstate", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	configFlag := fs.String("config", "", "Path to config file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Int("baseline", DefaultBaselineSPM, "Resting stroke rate that plays the video at 1.0x")
	fs.Float64("min-rate", DefaultMinRate, "Lowest playback rate")
	fs.Float64("max-rate", DefaultMaxRate, "Highest playback rate")
	fs.Int("frame-rate", DefaultFrameRate, "Playback rate interpolation ticks per second")
	fs.Bool("metronome", false, "Enable the stroke metronome")
	fs.Int("cadence", 0, "Metronome cadence override (0 follows the baseline)")
	fs.Float64("volume", DefaultVolume, "Output volume between 0 and 1")
	fs.Bool("heart-rate", true, "Also connect a heart rate monitor")
	fs.Bool("simulate", false, "Use simulated peripherals instead of Bluetooth")
	fs.String("listen", DefaultDisplayListen, "Display websocket listen address (empty disables)")
	fs.String("nats", "", "NATS server URL for telemetry publishing")
	fs.Bool("session", false, "Record sessions to the database")
	fs.String("session-db", defaultSessionDB(), "Session database path")

	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for key, flag := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, o, *configFlag); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// flagKeys maps configuration keys to the flags that override them.
var flagKeys = map[string]string{
	"log_level":         "log-level",
	"baseline_spm":      "baseline",
	"min_rate":          "min-rate",
	"max_rate":          "max-rate",
	"frame_rate":        "frame-rate",
	"metronome":         "metronome",
	"metronome_cadence": "cadence",
	"volume":            "volume",
	"heart_rate":        "heart-rate",
	"simulate":          "simulate",
	"display_listen":    "listen",
	"nats_url":          "nats",
	"session":           "session",
	"session_db":        "session-db",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("baseline_spm", DefaultBaselineSPM)
	v.SetDefault("min_rate", DefaultMinRate)
	v.SetDefault("max_rate", DefaultMaxRate)
	v.SetDefault("accel_easing", DefaultAccelEasing)
	v.SetDefault("decel_easing", DefaultDecelEasing)
	v.SetDefault("frame_rate", DefaultFrameRate)
	v.SetDefault("metronome", false)
	v.SetDefault("metronome_cadence", 0)
	v.SetDefault("volume", DefaultVolume)
	v.SetDefault("heart_rate", true)
	v.SetDefault("simulate", false)
	v.SetDefault("scan_timeout", DefaultScanTimeout)
	v.SetDefault("display_listen", DefaultDisplayListen)
	v.SetDefault("nats_url", "")
	v.SetDefault("session", false)
	v.SetDefault("session_db", defaultSessionDB())
}

func readConfigFile(v *viper.Viper, o *options, flagPath string) error {
	errFactory := errors.New()

	path := flagPath
	if path == "" {
		path = o.configPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "rowstate"))
		}
		v.AddConfigPath("/etc")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

func defaultSessionDB() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "rowstate", "sessions.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "rowstate", "sessions.db")
	}
	return filepath.Join(os.TempDir(), "rowstate", "sessions.db")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.BaselineSPM < MinBaselineSPM || c.BaselineSPM > MaxBaselineSPM {
		return errFactory.WithData(errors.ErrInvalidBaseline, c.BaselineSPM)
	}
	if c.MinRate < 0 || c.MaxRate <= c.MinRate {
		return errFactory.WithData(errors.ErrInvalidRateBounds, [2]float64{c.MinRate, c.MaxRate})
	}
	if c.AccelEasing <= 0 || c.AccelEasing > 1 || c.DecelEasing <= 0 || c.DecelEasing > 1 {
		return errFactory.WithData(errors.ErrInvalidEasing, [2]float64{c.AccelEasing, c.DecelEasing})
	}
	if c.FrameRate < 1 || c.FrameRate > 240 {
		return errFactory.WithData(errors.ErrInvalidFrameRate, c.FrameRate)
	}
	if c.Volume < 0 || c.Volume > 1 {
		return errFactory.WithData(errors.ErrInvalidVolume, c.Volume)
	}
	if c.MetronomeCadence < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "metronome_cadence must not be negative")
	}

	return nil
}

// Cadence returns the metronome cadence: the override when set, otherwise
// the baseline stroke rate.
func (c *Config) Cadence() int {
	if c.MetronomeCadence > 0 {
		return c.MetronomeCadence
	}
	return c.BaselineSPM
}
