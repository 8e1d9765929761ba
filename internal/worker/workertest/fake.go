// Package workertest provides a fake TTS worker for tests.
//
// The fake runs inside the test binary itself. A test package wires it up
// from TestMain:
//
//	func TestMain(m *testing.M) {
//		if workertest.IsWorker() {
//			workertest.Run()
//		}
//		os.Exit(m.Run())
//	}
//
// and spawns it with the command returned by Command. Behaviour is selected
// through environment variables set with the Env helpers.
package workertest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/kokorod/internal/protocol"
)

const (
	envMarker     = "KOKOROD_FAKE_WORKER"
	envMode       = "KOKOROD_FAKE_MODE"
	envDelay      = "KOKOROD_FAKE_DELAY"
	envReadyDelay = "KOKOROD_FAKE_READY_DELAY"
	envStateDir   = "KOKOROD_FAKE_STATE_DIR"
	envFailFirst  = "KOKOROD_FAKE_FAIL_FIRST"
)

// Modes understood by the fake.
const (
	// ModeNormal answers every request in order
	ModeNormal = "normal"

	// ModeExitOnStart dies before printing the banner
	ModeExitOnStart = "exit-on-start"

	// ModeNoReady never prints the banner
	ModeNoReady = "no-ready"

	// ModeCrashOnRequest exits as soon as a request arrives
	ModeCrashOnRequest = "crash-on-request"

	// ModeSilent reads requests and never answers
	ModeSilent = "silent"

	// ModeNoID answers without echoing the request id
	ModeNoID = "no-id"

	// ModeReversePairs buffers two requests and answers them in reverse
	ModeReversePairs = "reverse-pairs"

	// ModeNoisy writes a malformed line and a stderr error before each answer
	ModeNoisy = "noisy"

	// ModeWrongID answers every request with an id nobody asked for first
	ModeWrongID = "wrong-id"

	// ModeOrphan starts a child that inherits stdout and stderr, then exits
	// on the first request while the child keeps running
	ModeOrphan = "orphan"
)

// FailText makes the fake answer with success=false.
const FailText = "please fail"

// StallText makes the fake take StallDelay longer over its answer.
const StallText = "please stall"

// StallDelay is the extra time spent on StallText.
const StallDelay = 600 * time.Millisecond

// SampleRate of the generated audio.
const SampleRate = 24000

// IsWorker reports whether the current process was spawned as the fake.
func IsWorker() bool {
	return os.Getenv(envMarker) == "1"
}

// Command returns the executable and arguments that start the fake.
func Command() (string, []string) {
	return os.Args[0], []string{"-test.run=^$"}
}

// Env builds the explicit environment for the fake.
func Env(mode string, delay time.Duration) map[string]string {
	return map[string]string{
		envMarker: "1",
		envMode:   mode,
		envDelay:  delay.String(),
	}
}

// WithReadyDelay delays the banner.
func WithReadyDelay(env map[string]string, d time.Duration) map[string]string {
	env[envReadyDelay] = d.String()
	return env
}

// WithFailFirst makes the first n spawns exit before the banner. Spawns are
// counted in files under dir.
func WithFailFirst(env map[string]string, dir string, n int) map[string]string {
	env[envStateDir] = dir
	env[envFailFirst] = strconv.Itoa(n)
	return env
}

// Spawns returns how many fakes were started with dir as state directory.
func Spawns(dir string) int {
	matches, _ := filepath.Glob(filepath.Join(dir, "spawn-*"))
	return len(matches)
}

// Run is the fake's main loop. It never returns.
func Run() {
	mode := os.Getenv(envMode)
	delay, _ := time.ParseDuration(os.Getenv(envDelay))
	readyDelay, _ := time.ParseDuration(os.Getenv(envReadyDelay))

	if dir := os.Getenv(envStateDir); dir != "" {
		n := Spawns(dir)
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("spawn-%03d", n)), nil, 0o600)
		failFirst, _ := strconv.Atoi(os.Getenv(envFailFirst))
		if n < failFirst {
			fmt.Fprintln(os.Stderr, "Traceback: fake model load error")
			os.Exit(3)
		}
	}

	fmt.Fprintln(os.Stderr, "Loading fake model...")
	switch mode {
	case ModeExitOnStart:
		fmt.Fprintln(os.Stderr, "Traceback: fake model load error")
		os.Exit(3)
	case ModeNoReady:
		time.Sleep(time.Hour)
		os.Exit(0)
	}

	time.Sleep(readyDelay)
	fmt.Fprintln(os.Stderr, "Kokoro TTS service is ready")

	out := bufio.NewWriter(os.Stdout)
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var held []protocol.Request
	for in.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			writeLine(out, protocol.Response{Success: false, Error: "Invalid JSON input"})
			continue
		}

		switch mode {
		case ModeCrashOnRequest:
			fmt.Fprintln(os.Stderr, "fatal: segmentation fault")
			os.Exit(1)
		case ModeSilent:
			continue
		case ModeOrphan:
			child := exec.Command(os.Args[0], "-test.run=^$")
			child.Env = append(os.Environ(), envMode+"="+ModeNoReady)
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			if err := child.Start(); err != nil {
				fmt.Fprintln(os.Stderr, "fake: start child:", err)
			}
			fmt.Fprintln(os.Stderr, "fatal: worker gone, child left behind")
			os.Exit(1)
		case ModeReversePairs:
			held = append(held, req)
			if len(held) < 2 {
				continue
			}
			time.Sleep(delay)
			for i := len(held) - 1; i >= 0; i-- {
				writeLine(out, answer(held[i], true))
			}
			held = held[:0]
			continue
		case ModeNoisy:
			fmt.Fprintln(os.Stderr, "RuntimeError: CUDA error, falling back")
			out.WriteString("this is not json\n")
		case ModeWrongID:
			bogus := req
			bogus.RequestID = req.RequestID + 1000
			writeLine(out, answer(bogus, true))
		}

		time.Sleep(delay)
		if strings.TrimSpace(req.Text) == StallText {
			time.Sleep(StallDelay)
		}
		writeLine(out, answer(req, mode != ModeNoID))
	}
	os.Exit(0)
}

func answer(req protocol.Request, withID bool) protocol.Response {
	resp := protocol.Response{
		Device:   "cpu",
		LangCode: req.LangCode,
		Voice:    req.Voice,
	}
	if withID {
		id := req.RequestID
		resp.RequestID = &id
	}
	if strings.TrimSpace(req.Text) == FailText {
		resp.Error = "synthesis failed"
		return resp
	}
	resp.Success = true
	resp.Message = "Audio generated successfully"
	resp.AudioData = base64.StdEncoding.EncodeToString(WAV(len(req.Text) * 240))
	return resp
}

func writeLine(w *bufio.Writer, resp protocol.Response) {
	b, _ := json.Marshal(resp)
	w.Write(b)
	w.WriteByte('\n')
	w.Flush()
}

// WAV returns a mono 16-bit PCM WAV file with n silent samples.
func WAV(n int) []byte {
	const bitsPerSample = 16
	dataLen := uint32(n * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
