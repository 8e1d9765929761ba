package tts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/kokorod/internal/protocol"
	"github.com/dgnsrekt/kokorod/internal/worker"
)

// Config holds the service configuration. File keys use the yaml /
// mapstructure names; environment variables use the KOKORO_ prefix.
type Config struct {
	// Worker process settings
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`

	// Concurrency is the number of requests the worker may run at once
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" env:"KOKORO_MAX_CONCURRENCY"`

	// RequestTimeout bounds the time from admission to response
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" env:"KOKORO_REQUEST_TIMEOUT"`

	// QueueTimeout bounds the time a request may wait for a free slot
	QueueTimeout time.Duration `yaml:"queue_timeout" mapstructure:"queue_timeout" env:"KOKORO_QUEUE_TIMEOUT"`

	// StartupTimeout bounds the wait for the worker's readiness banner
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" env:"KOKORO_STARTUP_TIMEOUT"`

	// MaxRestarts is the crash restart budget
	MaxRestarts int `yaml:"max_restarts" mapstructure:"max_restarts" env:"KOKORO_MAX_RESTARTS"`

	// RestartCooldown is waited before every restart attempt
	RestartCooldown time.Duration `yaml:"restart_cooldown" mapstructure:"restart_cooldown" env:"KOKORO_RESTART_COOLDOWN"`

	// ShutdownGrace is how long shutdown waits for in-flight requests
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace" env:"KOKORO_SHUTDOWN_GRACE"`

	// KillGrace is how long a terminated worker gets before it is killed
	KillGrace time.Duration `yaml:"kill_grace" mapstructure:"kill_grace" env:"KOKORO_KILL_GRACE"`

	// MaxTextLength is the longest accepted text, in characters
	MaxTextLength int `yaml:"max_text_length" mapstructure:"max_text_length" env:"KOKORO_MAX_TEXT_LENGTH"`

	// DefaultVoice is used when a request names no voice or language
	DefaultVoice string `yaml:"default_voice" mapstructure:"default_voice" env:"KOKORO_DEFAULT_VOICE"`

	// DefaultLanguage is used when DefaultVoice is empty
	DefaultLanguage string `yaml:"default_language" mapstructure:"default_language" env:"KOKORO_DEFAULT_LANGUAGE"`

	// ExtraVoices are custom voice ids accepted in addition to the catalog
	ExtraVoices []string `yaml:"extra_voices" mapstructure:"extra_voices" env:"KOKORO_EXTRA_VOICES" envSeparator:","`
}

// WorkerConfig describes how to launch the worker.
type WorkerConfig struct {
	Command string   `yaml:"command" mapstructure:"command" env:"KOKORO_WORKER_COMMAND"`
	Args    []string `yaml:"args" mapstructure:"args" env:"KOKORO_WORKER_ARGS" envSeparator:" "`
	Dir     string   `yaml:"dir" mapstructure:"dir" env:"KOKORO_WORKER_DIR"`

	// Env is set in the worker environment on top of the inherited allowlist
	Env map[string]string `yaml:"env" mapstructure:"env" env:"KOKORO_WORKER_ENV" envKeyValSeparator:"="`

	// InheritEnv overrides the inherited variable allowlist
	InheritEnv []string `yaml:"inherit_env" mapstructure:"inherit_env" env:"KOKORO_INHERIT_ENV" envSeparator:","`

	// Device is passed as KOKORO_DEVICE: auto, cpu, cuda or mps
	Device string `yaml:"device" mapstructure:"device" env:"KOKORO_DEVICE"`

	// ModelPath is passed as KOKORO_LOCAL_MODEL_PATH when set
	ModelPath string `yaml:"model_path" mapstructure:"model_path" env:"KOKORO_LOCAL_MODEL_PATH"`

	// Offline sets the Hugging Face offline flags
	Offline bool `yaml:"offline" mapstructure:"offline" env:"KOKORO_OFFLINE"`

	ReadyPattern string `yaml:"ready_pattern" mapstructure:"ready_pattern" env:"KOKORO_READY_PATTERN"`
	ErrorPattern string `yaml:"error_pattern" mapstructure:"error_pattern" env:"KOKORO_ERROR_PATTERN"`

	// MaxLineBytes bounds one response line on stdout
	MaxLineBytes int `yaml:"max_line_bytes" mapstructure:"max_line_bytes" env:"KOKORO_MAX_LINE_BYTES"`
}

// Devices accepted in WorkerConfig.Device.
var Devices = []string{"auto", "cpu", "cuda", "mps"}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Worker:          DefaultWorkerConfig(),
		Concurrency:     1,
		RequestTimeout:  30 * time.Second,
		QueueTimeout:    60 * time.Second,
		StartupTimeout:  60 * time.Second,
		MaxRestarts:     3,
		RestartCooldown: 5 * time.Second,
		ShutdownGrace:   10 * time.Second,
		KillGrace:       3 * time.Second,
		MaxTextLength:   5000,
		DefaultVoice:    "af_heart",
		DefaultLanguage: "en-US",
	}
}

// DefaultWorkerConfig returns the worker defaults for the stock wrapper.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Command:      "python3",
		Args:         []string{"-u", "kokoro_local/kokoro_wrapper.py"},
		Device:       "auto",
		Offline:      true,
		ReadyPattern: protocol.DefaultReadyPattern,
		ErrorPattern: protocol.DefaultErrorPattern,
		MaxLineBytes: protocol.DefaultMaxLineBytes,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	for name, d := range map[string]time.Duration{
		"request_timeout": c.RequestTimeout,
		"queue_timeout":   c.QueueTimeout,
		"startup_timeout": c.StartupTimeout,
		"shutdown_grace":  c.ShutdownGrace,
		"kill_grace":      c.KillGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.RestartCooldown < 0 {
		errs = append(errs, fmt.Errorf("restart_cooldown cannot be negative, got %v", c.RestartCooldown))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max_restarts cannot be negative, got %d", c.MaxRestarts))
	}
	if c.MaxTextLength < 1 {
		errs = append(errs, fmt.Errorf("max_text_length must be at least 1, got %d", c.MaxTextLength))
	}

	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}

	if _, err := c.NewVoiceResolver(); err != nil {
		errs = append(errs, fmt.Errorf("default voice: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks if the worker configuration is valid.
func (c *WorkerConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("command cannot be empty")
	}

	valid := false
	for _, d := range Devices {
		if strings.EqualFold(c.Device, d) {
			c.Device = d
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid device %q: must be one of %v", c.Device, Devices)
	}

	if c.MaxLineBytes < 1024 {
		return fmt.Errorf("max_line_bytes must be at least 1024, got %d", c.MaxLineBytes)
	}

	if _, err := protocol.NewClassifier(c.ReadyPattern, c.ErrorPattern); err != nil {
		return err
	}
	return nil
}

// NewVoiceResolver builds the resolver for DefaultVoice, falling back to
// DefaultLanguage when no default voice is set.
func (c *Config) NewVoiceResolver() (*VoiceResolver, error) {
	def := c.DefaultVoice
	if def == "" {
		def = c.DefaultLanguage
	}
	return NewVoiceResolver(def, c.ExtraVoices...)
}

// WorkerEnv returns the explicit environment for the worker process.
func (c *WorkerConfig) WorkerEnv() map[string]string {
	env := map[string]string{
		"PYTHONUNBUFFERED": "1",
		"KOKORO_DEVICE":    c.Device,
	}
	if c.ModelPath != "" {
		env["KOKORO_LOCAL_MODEL_PATH"] = c.ModelPath
	}
	if c.Offline {
		env["HF_HUB_OFFLINE"] = "1"
		env["TRANSFORMERS_OFFLINE"] = "1"
	}
	// Viper folds map keys to lower case.
	for k, v := range c.Env {
		env[strings.ToUpper(k)] = v
	}
	return env
}

// ToWorkerConfig converts the configuration into supervisor settings.
func (c *Config) ToWorkerConfig() worker.Config {
	return worker.Config{
		Command:         c.Worker.Command,
		Args:            c.Worker.Args,
		Dir:             c.Worker.Dir,
		Env:             c.Worker.WorkerEnv(),
		InheritEnv:      c.Worker.InheritEnv,
		StartupTimeout:  c.StartupTimeout,
		MaxRestarts:     c.MaxRestarts,
		RestartCooldown: c.RestartCooldown,
		ReadyPattern:    c.Worker.ReadyPattern,
		ErrorPattern:    c.Worker.ErrorPattern,
		MaxLineBytes:    c.Worker.MaxLineBytes,
		Backlog:         c.Concurrency * 4,
	}
}

// SetDefaults registers the defaults in v so flags and files layer on top.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.device", d.Worker.Device)
	v.SetDefault("worker.offline", d.Worker.Offline)
	v.SetDefault("worker.ready_pattern", d.Worker.ReadyPattern)
	v.SetDefault("worker.error_pattern", d.Worker.ErrorPattern)
	v.SetDefault("worker.max_line_bytes", d.Worker.MaxLineBytes)

	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("queue_timeout", d.QueueTimeout)
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("max_restarts", d.MaxRestarts)
	v.SetDefault("restart_cooldown", d.RestartCooldown)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("kill_grace", d.KillGrace)
	v.SetDefault("max_text_length", d.MaxTextLength)
	v.SetDefault("default_voice", d.DefaultVoice)
	v.SetDefault("default_language", d.DefaultLanguage)
}

// LoadConfig decodes v (defaults, config file and bound flags), applies
// KOKORO_* environment overrides and validates the result.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if v != nil {
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode configuration: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type exampleField struct {
	key     string
	value   any
	comment string
}

// GenerateExampleConfig renders the default configuration as a commented
// YAML document.
func GenerateExampleConfig() (string, error) {
	d := DefaultConfig()

	workerNode, err := mappingNode([]exampleField{
		{"command", d.Worker.Command, "Interpreter or binary that runs the worker (KOKORO_WORKER_COMMAND)"},
		{"args", d.Worker.Args, "Arguments; keep -u so Python does not buffer stdout (KOKORO_WORKER_ARGS)"},
		{"dir", d.Worker.Dir, "Working directory, empty for the current one (KOKORO_WORKER_DIR)"},
		{"device", d.Worker.Device, "auto, cpu, cuda or mps (KOKORO_DEVICE)"},
		{"model_path", d.Worker.ModelPath, "Local model directory (KOKORO_LOCAL_MODEL_PATH)"},
		{"offline", d.Worker.Offline, "Set HF_HUB_OFFLINE and TRANSFORMERS_OFFLINE"},
		{"env", map[string]string{}, "Extra environment variables for the worker (KOKORO_WORKER_ENV=K=V,K=V)"},
		{"ready_pattern", d.Worker.ReadyPattern, "stderr lines matching this regexp (case-insensitive) announce readiness"},
		{"error_pattern", d.Worker.ErrorPattern, "stderr lines matching this regexp mark the worker degraded"},
		{"max_line_bytes", d.Worker.MaxLineBytes, "Largest accepted response line"},
	})
	if err != nil {
		return "", err
	}

	root, err := mappingNode([]exampleField{
		{"worker", workerNode, "Worker process"},
		{"concurrency", d.Concurrency, "Requests the worker runs at once (KOKORO_MAX_CONCURRENCY)"},
		{"request_timeout", d.RequestTimeout.String(), "Per-request deadline once admitted"},
		{"queue_timeout", d.QueueTimeout.String(), "Longest wait for a free slot"},
		{"startup_timeout", d.StartupTimeout.String(), "Longest wait for the model to load"},
		{"max_restarts", d.MaxRestarts, "Crash restarts before giving up"},
		{"restart_cooldown", d.RestartCooldown.String(), "Wait before each restart"},
		{"shutdown_grace", d.ShutdownGrace.String(), "Wait for in-flight requests on shutdown"},
		{"kill_grace", d.KillGrace.String(), "Wait after SIGTERM before killing the worker"},
		{"max_text_length", d.MaxTextLength, "Longest accepted text in characters"},
		{"default_voice", d.DefaultVoice, "Voice used when a request names none"},
		{"default_language", d.DefaultLanguage, "Language used when default_voice is empty"},
		{"extra_voices", []string{}, "Custom voice ids to accept"},
	})
	if err != nil {
		return "", err
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	doc.HeadComment = "kokorod configuration\n\nEvery key can be overridden with the KOKORO_* environment variable\nnamed next to it."

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal example config: %w", err)
	}
	return string(data), nil
}

func mappingNode(fields []exampleField) (*yaml.Node, error) {
	m := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fields {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: f.key, HeadComment: f.comment}

		val, ok := f.value.(*yaml.Node)
		if !ok {
			val = &yaml.Node{}
			if err := val.Encode(f.value); err != nil {
				return nil, fmt.Errorf("encode %s: %w", f.key, err)
			}
		}
		m.Content = append(m.Content, key, val)
	}
	return m, nil
}
