package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// CaptureConfig describes the ffmpeg microphone source.
type CaptureConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
	Channels    int
}

// FFmpegCaptureArgs renders ffmpeg arguments that write raw s16le PCM to stdout.
func FFmpegCaptureArgs(cfg CaptureConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", cfg.InputFormat, "-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels), "-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le", "-",
	}
}

// ProcessCapture reads PCM frames from the stdout of a helper process.
type ProcessCapture struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	closed bool
}

// NewFFmpegCapture starts ffmpeg as the microphone source.
func NewFFmpegCapture(cfg CaptureConfig) (*ProcessCapture, error) {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	return NewProcessCapture(cfg.Command, FFmpegCaptureArgs(cfg)...)
}

func NewProcessCapture(name string, args ...string) (*ProcessCapture, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, &DeviceError{Device: "capture", Err: fmt.Errorf("%s not found in PATH: %w", name, err)}
	}
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Device: "capture", Err: fmt.Errorf("open %s stdout: %w", name, err)}
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &DeviceError{Device: "capture", Err: fmt.Errorf("start %s: %w", name, err)}
	}
	return &ProcessCapture{cmd: cmd, stdout: stdout}, nil
}

func (c *ProcessCapture) ReadFrame(p []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	if _, err := io.ReadFull(c.stdout, p); err != nil {
		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return ErrDeviceClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return &DeviceError{Device: "capture", Err: err}
	}
	return nil
}

// Close interrupts the helper, then kills it if it does not exit promptly.
func (c *ProcessCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	stopProcess(c.cmd)
	return nil
}

// PlaybackConfig describes the ffplay sink.
type PlaybackConfig struct {
	Command     string
	InputFormat string
	SampleRate  int
	Channels    int
}

// FFplayArgs renders ffplay arguments that play raw frames from stdin.
func FFplayArgs(cfg PlaybackConfig) []string {
	format := cfg.InputFormat
	if format == "" {
		format = "s16le"
	}
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", format,
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",
	}
}

// ProcessPlayback writes frames to the stdin of a helper process. Write may
// block while the helper stalls; Close unblocks it.
type ProcessPlayback struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewFFplayPlayback starts ffplay as the speaker sink.
func NewFFplayPlayback(cfg PlaybackConfig) (*ProcessPlayback, error) {
	if cfg.Command == "" {
		cfg.Command = "ffplay"
	}
	return NewProcessPlayback(cfg.Command, FFplayArgs(cfg)...)
}

func NewProcessPlayback(name string, args ...string) (*ProcessPlayback, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, &DeviceError{Device: "playback", Err: fmt.Errorf("%s not found in PATH: %w", name, err)}
	}
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &DeviceError{Device: "playback", Err: fmt.Errorf("open %s stdin: %w", name, err)}
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &DeviceError{Device: "playback", Err: fmt.Errorf("start %s: %w", name, err)}
	}
	return &ProcessPlayback{cmd: cmd, stdin: stdin}, nil
}

func (p *ProcessPlayback) Write(frame []byte) error {
	if p.isClosed() {
		return ErrDeviceClosed
	}
	if _, err := p.stdin.Write(frame); err != nil {
		if p.isClosed() {
			return ErrDeviceClosed
		}
		return &DeviceError{Device: "playback", Err: err}
	}
	return nil
}

func (p *ProcessPlayback) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ProcessPlayback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	stopProcess(p.cmd)
	return nil
}

func stopProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}
