package tts

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Concurrency != 1 || cfg.RequestTimeout != 30*time.Second || cfg.QueueTimeout != 60*time.Second {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request_timeout"},
		{"negative cooldown", func(c *Config) { c.RestartCooldown = -time.Second }, "restart_cooldown"},
		{"negative restarts", func(c *Config) { c.MaxRestarts = -1 }, "max_restarts"},
		{"zero text length", func(c *Config) { c.MaxTextLength = 0 }, "max_text_length"},
		{"empty command", func(c *Config) { c.Worker.Command = " " }, "command"},
		{"bad device", func(c *Config) { c.Worker.Device = "tpu" }, "device"},
		{"tiny line limit", func(c *Config) { c.Worker.MaxLineBytes = 10 }, "max_line_bytes"},
		{"bad error pattern", func(c *Config) { c.Worker.ErrorPattern = "(" }, "worker"},
		{"unknown default voice", func(c *Config) { c.DefaultVoice = "zz_nobody" }, "default voice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestConfig_DeviceNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.Device = "CUDA"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Device != "cuda" {
		t.Errorf("Expected device normalized to cuda, got %q", cfg.Worker.Device)
	}
}

func TestConfig_DefaultLanguageFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultVoice = ""
	cfg.DefaultLanguage = "fr"

	r, err := cfg.NewVoiceResolver()
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Default(); got.Name != "ff_siwis" || got.LangCode != "f" {
		t.Errorf("Expected French default voice, got %+v", got)
	}
}

func TestWorkerEnv(t *testing.T) {
	w := DefaultWorkerConfig()
	w.ModelPath = "/models/kokoro"
	w.Device = "cpu"
	w.Env = map[string]string{"EXTRA": "1", "PYTHONUNBUFFERED": "0"}

	env := w.WorkerEnv()
	want := map[string]string{
		"KOKORO_DEVICE":           "cpu",
		"KOKORO_LOCAL_MODEL_PATH": "/models/kokoro",
		"HF_HUB_OFFLINE":          "1",
		"TRANSFORMERS_OFFLINE":    "1",
		"EXTRA":                   "1",
		"PYTHONUNBUFFERED":        "0",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}

	w.Offline = false
	if _, ok := w.WorkerEnv()["HF_HUB_OFFLINE"]; ok {
		t.Error("Offline flags set while offline is false")
	}
}

func TestToWorkerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	wc := cfg.ToWorkerConfig()

	if wc.Command != "python3" || len(wc.Args) != 2 {
		t.Errorf("Unexpected command %q %v", wc.Command, wc.Args)
	}
	if wc.MaxRestarts != 3 || wc.RestartCooldown != 5*time.Second || wc.StartupTimeout != time.Minute {
		t.Errorf("Restart settings not carried over: %+v", wc)
	}
	if wc.Backlog != 8 {
		t.Errorf("Expected backlog 8, got %d", wc.Backlog)
	}
	if wc.Env["PYTHONUNBUFFERED"] != "1" {
		t.Error("Expected unbuffered Python output")
	}
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
concurrency: 2
request_timeout: 45s
worker:
  command: /opt/venv/bin/python
  device: cpu
  env:
    FOO: bar
`))
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("KOKORO_MAX_CONCURRENCY", "4")
	t.Setenv("KOKORO_WORKER_ARGS", "-u wrapper.py")
	t.Setenv("KOKORO_QUEUE_TIMEOUT", "90s")

	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}

	if cfg.Concurrency != 4 {
		t.Errorf("Environment should override file: concurrency %d", cfg.Concurrency)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("Expected request timeout from file, got %v", cfg.RequestTimeout)
	}
	if cfg.QueueTimeout != 90*time.Second {
		t.Errorf("Expected queue timeout from env, got %v", cfg.QueueTimeout)
	}
	if cfg.Worker.Command != "/opt/venv/bin/python" || cfg.Worker.Device != "cpu" {
		t.Errorf("Worker settings not loaded: %+v", cfg.Worker)
	}
	if strings.Join(cfg.Worker.Args, " ") != "-u wrapper.py" {
		t.Errorf("Expected args from env, got %v", cfg.Worker.Args)
	}
	if cfg.Worker.WorkerEnv()["FOO"] != "bar" {
		t.Errorf("Expected worker env from file, got %v", cfg.Worker.Env)
	}
	if cfg.MaxRestarts != 3 {
		t.Errorf("Expected default max restarts, got %d", cfg.MaxRestarts)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("KOKORO_MAX_CONCURRENCY", "0")
	if _, err := LoadConfig(nil); err == nil {
		t.Error("Expected invalid configuration error")
	}
}

func TestGenerateExampleConfig(t *testing.T) {
	example, err := GenerateExampleConfig()
	if err != nil {
		t.Fatalf("GenerateExampleConfig() failed: %v", err)
	}

	for _, want := range []string{"KOKORO_MAX_CONCURRENCY", "request_timeout: 30s", "command: python3"} {
		if !strings.Contains(example, want) {
			t.Errorf("Example config missing %q", want)
		}
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(example), &raw); err != nil {
		t.Fatalf("Example config is not valid YAML: %v", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(example)); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatalf("Example config does not load: %v", err)
	}
	d := DefaultConfig()
	if cfg.RequestTimeout != d.RequestTimeout || cfg.Worker.Command != d.Worker.Command || cfg.MaxTextLength != d.MaxTextLength {
		t.Errorf("Example config differs from defaults: %+v", cfg)
	}
}
