package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

const stderrTail = 4096

// Toolchain runs the external probe and encoder.
type Toolchain interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
	FFmpeg(ctx context.Context, args ...string) error
}

// ProcessError reports a failed or timed-out external process. Stderr is a bounded tail.
type ProcessError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ExecToolchain shells out to ffprobe and ffmpeg with a per-process timeout and a heartbeat log.
type ExecToolchain struct {
	ffmpeg    string
	ffprobe   string
	timeout   time.Duration
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewExecToolchain builds the production toolchain.
func NewExecToolchain(cfg config.MediaConfig, logger *zap.Logger) *ExecToolchain {
	if logger == nil {
		logger = zap.NewNop()
	}
	ffmpeg := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := strings.TrimSpace(cfg.FFprobePath)
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &ExecToolchain{
		ffmpeg:    ffmpeg,
		ffprobe:   ffprobe,
		timeout:   cfg.ProcessTimeout,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Probe runs ffprobe against path and decodes its JSON report.
func (t *ExecToolchain) Probe(ctx context.Context, path string) (ProbeResult, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ProbeResult{}, errors.New("ffprobe: empty path")
	}
	out, err := t.run(ctx, t.ffprobe, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return ProbeResult{}, err
	}
	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// FFmpeg runs one encoder invocation.
func (t *ExecToolchain) FFmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	_, err := t.run(ctx, t.ffmpeg, full...)
	return err
}

func (t *ExecToolchain) run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTail}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 10 * time.Second

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Tool: binary, ExitCode: -1, Err: err}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.logger.Sugar().Infow("media process still running",
					"tool", binary,
					"elapsed", time.Since(started).Round(time.Second).String(),
				)
			}
		}
	}()

	err := cmd.Wait()
	close(done)
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		t.logger.Sugar().Warnw("media process failed", "tool", binary, "exit_code", code, "elapsed", time.Since(started).String())
		return nil, &ProcessError{Tool: binary, ExitCode: code, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
