package tts

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ValidationResult contains the result of worker validation
type ValidationResult struct {
	// Available indicates the worker can be started with this configuration
	Available bool

	// Error contains any validation error
	Error error

	// Guidance provides setup instructions if validation failed
	Guidance string

	// Details contains additional validation information
	Details map[string]string
}

// ValidateWorker checks that the configured worker can be launched: the
// command resolves in PATH, the wrapper script and model path exist. It does
// not start the worker; the selftest command does that.
func ValidateWorker(cfg Config) *ValidationResult {
	result := &ValidationResult{Details: make(map[string]string)}
	w := cfg.Worker

	if err := cfg.Validate(); err != nil {
		result.Error = err
		result.Guidance = "Fix the configuration file or KOKORO_* environment variables (see `kokorod config example`)."
		return result
	}

	path, err := exec.LookPath(w.Command)
	if err != nil {
		result.Error = fmt.Errorf("worker command %q not found: %w", w.Command, err)
		result.Guidance = buildPythonInstallGuidance(w.Command)
		return result
	}
	result.Details["command"] = path

	if script := wrapperScript(w); script != "" {
		if _, err := os.Stat(script); err != nil {
			result.Error = fmt.Errorf("wrapper script not accessible: %w", err)
			result.Guidance = buildWrapperGuidance(script)
			return result
		}
		result.Details["script"] = script
	}

	if w.ModelPath != "" {
		if _, err := os.Stat(w.ModelPath); err != nil {
			result.Error = fmt.Errorf("model path not accessible: %w", err)
			result.Guidance = buildModelGuidance(w.ModelPath, w.Offline)
			return result
		}
		result.Details["model_path"] = w.ModelPath
	} else if w.Offline {
		result.Details["model_note"] = "No model path set; offline mode needs the model in the Hugging Face cache"
	}

	result.Details["device"] = w.Device
	result.Details["concurrency"] = fmt.Sprint(cfg.Concurrency)
	result.Details["default_voice"] = cfg.DefaultVoice

	result.Available = true
	result.Details["status"] = "Ready (run `kokorod selftest` for a test synthesis)"
	return result
}

// QuickValidation performs a fast check that the worker command exists.
func QuickValidation(cfg Config) error {
	if _, err := exec.LookPath(cfg.Worker.Command); err != nil {
		return fmt.Errorf("worker command %q not found: %w", cfg.Worker.Command, err)
	}
	return nil
}

// wrapperScript returns the first .py argument, resolved against Dir.
func wrapperScript(w WorkerConfig) string {
	for _, arg := range w.Args {
		if !strings.HasSuffix(arg, ".py") {
			continue
		}
		if !filepath.IsAbs(arg) && w.Dir != "" {
			return filepath.Join(w.Dir, arg)
		}
		return arg
	}
	return ""
}

// buildPythonInstallGuidance provides instructions for installing the
// worker runtime
func buildPythonInstallGuidance(command string) string {
	return fmt.Sprintf(`%s is not installed or not in PATH. To set up the Kokoro worker:

1. Install Python 3.10 or newer
2. Create a virtual environment and install Kokoro:

   python3 -m venv .venv
   . .venv/bin/activate
   pip install kokoro soundfile

3. Point worker.command at the interpreter, e.g. in kokorod.yml:
   worker:
     command: .venv/bin/python3`, command)
}

// buildWrapperGuidance provides instructions when the wrapper script is missing
func buildWrapperGuidance(script string) string {
	return fmt.Sprintf(`The worker wrapper script %s was not found. Please check:

1. worker.dir points at the directory containing the wrapper
2. worker.args names the script relative to worker.dir
3. The script prints "service is ready" on stderr once the model is loaded`, script)
}

// buildModelGuidance provides instructions for configuring the local model
func buildModelGuidance(path string, offline bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The model path %s is not accessible.\n\n", path)
	b.WriteString("1. Download the Kokoro model:\n   huggingface-cli download hexgrad/Kokoro-82M --local-dir ")
	b.WriteString(path)
	b.WriteString("\n2. Or clear worker.model_path to use the Hugging Face cache")
	if offline {
		b.WriteString("\n3. Offline mode is on; set worker.offline: false to let the worker download the model")
	}
	return b.String()
}
