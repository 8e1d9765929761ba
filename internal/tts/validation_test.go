package tts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validationConfig(t *testing.T) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "wrapper.py")
	if err := os.WriteFile(script, []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Worker.Command = "sh"
	cfg.Worker.Args = []string{"-u", "wrapper.py"}
	cfg.Worker.Dir = dir
	return cfg, dir
}

func TestValidateWorker_Available(t *testing.T) {
	cfg, dir := validationConfig(t)
	cfg.Worker.ModelPath = dir

	result := ValidateWorker(cfg)
	if !result.Available {
		t.Fatalf("Expected worker available, got %v\n%s", result.Error, result.Guidance)
	}
	if result.Details["script"] != filepath.Join(dir, "wrapper.py") {
		t.Errorf("Unexpected script detail %q", result.Details["script"])
	}
	if result.Details["model_path"] != dir {
		t.Errorf("Unexpected model detail %q", result.Details["model_path"])
	}
	if result.Details["concurrency"] != "1" {
		t.Errorf("Unexpected concurrency detail %q", result.Details["concurrency"])
	}
}

func TestValidateWorker_OfflineWithoutModel(t *testing.T) {
	cfg, _ := validationConfig(t)

	result := ValidateWorker(cfg)
	if !result.Available {
		t.Fatalf("Expected worker available, got %v", result.Error)
	}
	if result.Details["model_note"] == "" {
		t.Error("Expected a note about the missing model path")
	}
}

func TestValidateWorker_Failures(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Config)
		guidance string
	}{
		{
			name:     "invalid config",
			modify:   func(c *Config) { c.Concurrency = 0 },
			guidance: "config example",
		},
		{
			name:     "missing command",
			modify:   func(c *Config) { c.Worker.Command = "kokorod-no-such-python" },
			guidance: "pip install kokoro",
		},
		{
			name:     "missing script",
			modify:   func(c *Config) { c.Worker.Args = []string{"missing.py"} },
			guidance: "worker.dir",
		},
		{
			name:     "missing model",
			modify:   func(c *Config) { c.Worker.ModelPath = "/nonexistent/kokoro" },
			guidance: "huggingface-cli download",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := validationConfig(t)
			tt.modify(&cfg)

			result := ValidateWorker(cfg)
			if result.Available {
				t.Fatal("Expected worker unavailable")
			}
			if result.Error == nil {
				t.Error("Expected an error")
			}
			if !strings.Contains(result.Guidance, tt.guidance) {
				t.Errorf("Guidance missing %q:\n%s", tt.guidance, result.Guidance)
			}
		})
	}
}

func TestQuickValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.Command = "sh"
	if err := QuickValidation(cfg); err != nil {
		t.Errorf("QuickValidation() failed: %v", err)
	}

	cfg.Worker.Command = "kokorod-no-such-python"
	if err := QuickValidation(cfg); err == nil {
		t.Error("Expected error for missing command")
	}
}

func TestWrapperScript(t *testing.T) {
	tests := []struct {
		args []string
		dir  string
		want string
	}{
		{[]string{"-u", "wrapper.py"}, "/srv", "/srv/wrapper.py"},
		{[]string{"/opt/wrapper.py"}, "/srv", "/opt/wrapper.py"},
		{[]string{"-m", "kokoro"}, "/srv", ""},
		{[]string{"wrapper.py"}, "", "wrapper.py"},
	}

	for _, tt := range tests {
		got := wrapperScript(WorkerConfig{Args: tt.args, Dir: tt.dir})
		if got != tt.want {
			t.Errorf("wrapperScript(%v, %q) = %q, want %q", tt.args, tt.dir, got, tt.want)
		}
	}
}
