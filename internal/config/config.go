// Package config handles loading and validating the voicebox configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds understood by the model loader.
const (
	BackendRemote  = "remote"
	BackendCommand = "command"
)

// Config is the root configuration for the voicebox daemon.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Transports TransportsConfig `mapstructure:"transports"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Models     ModelsConfig     `mapstructure:"models"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds the health check server settings.
type ServerConfig struct {
	HealthPort int `mapstructure:"health_port"`
}

// TransportsConfig holds the configuration for each transport layer.
type TransportsConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
	NATS NATSConfig `mapstructure:"nats"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NATSConfig configures the NATS request/reply transport.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`

	// MaxInFlight bounds concurrent syntheses started from this
	// subscription. Zero means no limit.
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// StorageConfig holds the local cache for pretrained artifacts.
type StorageConfig struct {
	ModelsDir string `mapstructure:"models_dir"`
}

// ModelsConfig holds the two capabilities chained by the synthesis pipeline.
type ModelsConfig struct {
	Encoder ModelConfig `mapstructure:"encoder"`
	Vocoder ModelConfig `mapstructure:"vocoder"`
}

// ModelConfig describes how one capability is sourced and executed.
type ModelConfig struct {
	Backend     string        `mapstructure:"backend"`      // "remote" or "command"
	Endpoint    string        `mapstructure:"endpoint"`     // base URL of the inference server (remote)
	Command     string        `mapstructure:"command"`      // command line, may contain {model_dir} (command)
	LoadTimeout time.Duration `mapstructure:"load_timeout"` // how long load waits for the server to become healthy (remote)
	Timeout     time.Duration `mapstructure:"timeout"`      // per-call limit, zero means none
	Source      SourceConfig  `mapstructure:"source"`
}

// SourceConfig wraps optional sources. Local wins when both are set.
type SourceConfig struct {
	HuggingFace *HuggingFaceSource `mapstructure:"huggingface"`
	Local       *LocalSource       `mapstructure:"local"`
}

// HuggingFaceSource is a model repository on the Hugging Face hub.
type HuggingFaceSource struct {
	Repo     string   `mapstructure:"repo"`
	Revision string   `mapstructure:"revision"`
	Token    string   `mapstructure:"token"`
	Include  []string `mapstructure:"include"`
	Exclude  []string `mapstructure:"exclude"`
}

// LocalSource points at artifacts already present on disk.
type LocalSource struct {
	Path string `mapstructure:"path"`
}

// AudioConfig controls the WAV container produced for each response.
type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	BitDepth   int `mapstructure:"bit_depth"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // optional rotated log file
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./voicebox.yaml, ./configs/voicebox.yaml, /etc/voicebox/voicebox.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("voicebox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/voicebox")
	}

	// Environment variables: VOICEBOX_TRANSPORTS_HTTP_PORT, VOICEBOX_MODELS_ENCODER_ENDPOINT, etc.
	v.SetEnvPrefix("VOICEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindModelEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	for _, m := range []*ModelConfig{&cfg.Models.Encoder, &cfg.Models.Vocoder} {
		// A local source overrides the default hub repository.
		if m.Source.Local != nil {
			m.Source.HuggingFace = nil
		}
		if hf := m.Source.HuggingFace; hf != nil {
			hf.Token = resolveEnvRef(hf.Token)
		}
	}
	cfg.Storage.ModelsDir = ExpandTilde(cfg.Storage.ModelsDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("transports.http.enabled", true)
	v.SetDefault("transports.http.port", 8080)
	v.SetDefault("transports.grpc.enabled", false)
	v.SetDefault("transports.grpc.port", 50051)
	v.SetDefault("transports.nats.enabled", false)
	v.SetDefault("transports.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("transports.nats.subject", "voicebox.synthesize")
	v.SetDefault("transports.nats.queue", "voicebox")
	v.SetDefault("transports.nats.max_in_flight", 0)
	v.SetDefault("storage.models_dir", DefaultModelsPath())
	v.SetDefault("models.encoder.backend", BackendRemote)
	v.SetDefault("models.encoder.endpoint", "http://localhost:9001")
	v.SetDefault("models.encoder.load_timeout", 30*time.Second)
	v.SetDefault("models.encoder.timeout", time.Duration(0))
	v.SetDefault("models.encoder.source.huggingface.repo", "speechbrain/tts-tacotron2-ljspeech")
	v.SetDefault("models.vocoder.backend", BackendRemote)
	v.SetDefault("models.vocoder.endpoint", "http://localhost:9002")
	v.SetDefault("models.vocoder.load_timeout", 30*time.Second)
	v.SetDefault("models.vocoder.timeout", time.Duration(0))
	v.SetDefault("models.vocoder.source.huggingface.repo", "speechbrain/tts-hifigan-ljspeech")
	v.SetDefault("audio.sample_rate", 22050)
	v.SetDefault("audio.bit_depth", 16)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("telemetry.service_name", "voicebox")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
}

// bindModelEnv registers the model keys that have no default. AutomaticEnv
// only consults the environment for keys viper already knows, so without
// this VOICEBOX_MODELS_ENCODER_COMMAND and friends would be ignored.
func bindModelEnv(v *viper.Viper) {
	for _, name := range []string{"encoder", "vocoder"} {
		for _, key := range []string{
			"command",
			"source.local.path",
			"source.huggingface.revision",
			"source.huggingface.token",
		} {
			_ = v.BindEnv("models." + name + "." + key)
		}
	}
}

// Validate reports the first structural problem in the configuration.
func (c *Config) Validate() error {
	if err := c.Models.Encoder.validate("encoder"); err != nil {
		return err
	}
	if err := c.Models.Vocoder.validate("vocoder"); err != nil {
		return err
	}
	if c.Transports.NATS.MaxInFlight < 0 {
		return fmt.Errorf("transports.nats.max_in_flight must not be negative, got %d", c.Transports.NATS.MaxInFlight)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	switch c.Audio.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("audio.bit_depth must be 16, 24 or 32, got %d", c.Audio.BitDepth)
	}
	return nil
}

func (m *ModelConfig) validate(name string) error {
	switch m.Backend {
	case BackendRemote:
		if strings.TrimSpace(m.Endpoint) == "" {
			return fmt.Errorf("models.%s.endpoint is required for the %s backend", name, m.Backend)
		}
	case BackendCommand:
		if strings.TrimSpace(m.Command) == "" {
			return fmt.Errorf("models.%s.command is required for the %s backend", name, m.Backend)
		}
	default:
		return fmt.Errorf("models.%s.backend: unknown backend %q", name, m.Backend)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("models.%s.timeout must not be negative", name)
	}
	if m.LoadTimeout < 0 {
		return fmt.Errorf("models.%s.load_timeout must not be negative", name)
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// DefaultModelsPath returns the per-user cache directory for pretrained artifacts.
func DefaultModelsPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "voicebox", "models")
	}
	return filepath.Join(".", "pretrained_model")
}

// ExpandTilde replaces a leading tilde (~) with the user's home directory.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
