// Package transcode runs ffmpeg for one session and supervises its health:
// startup gate, idle detection, stderr classification, bounded restarts, and
// graceful termination.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/plexbridge/plexbridge/internal/log"
	"github.com/plexbridge/plexbridge/internal/metrics"
)

// EventKind is a supervisor notification to the streaming endpoint.
type EventKind string

const (
	EventStarted   EventKind = "started"   // first bytes observed
	EventRestarted EventKind = "restarted" // process replaced under policy
	EventFailed    EventKind = "failed"    // restart budget exhausted / unrecoverable
	EventExited    EventKind = "exited"    // process finished cleanly
)

// Event carries a state change; Cause is set for restarted and failed.
type Event struct {
	Kind  EventKind
	Cause string
	Err   error
}

// startupBytes is the stdout volume that proves the transcoder is producing
// a real stream rather than a header fragment.
const startupBytes = 64 * 1024

var logger = log.WithComponent("transcode")

// Options bound the supervisor's health policy.
type Options struct {
	FFmpegPath     string
	StartupTimeout time.Duration // zero-byte window before StartupStall
	IdleTimeout    time.Duration // no-new-bytes window while streaming
	Grace          time.Duration // SIGTERM to SIGKILL
}

// Supervisor drives one ffmpeg process per Stream call. A Supervisor is
// per-session: the restart budget is not shared across sessions.
type Supervisor struct {
	opts    Options
	budget  *rate.Limiter
	started atomic.Bool
}

// New returns a session supervisor with a restart budget of 2 within any
// rolling 60 s window.
func New(opts Options) *Supervisor {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 8 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	return &Supervisor{
		opts:   opts,
		budget: rate.NewLimiter(rate.Every(30*time.Second), 2),
	}
}

// attempt outcomes, internal to the restart loop.
var (
	errStartupStall = errors.New("no bytes within startup window")
	errIdle         = errors.New("stream stalled")
)

// Stream runs ffmpeg with argv and copies stdout to sink until ctx is
// cancelled, the process finishes, or the restart budget runs out. notify is
// called from the supervisor goroutine for every Event; it must not block.
//
// The returned error is nil for a clean exit or cancel. A non-nil error means
// the session failed; if no bytes were ever written the endpoint still owns
// the HTTP status.
func (s *Supervisor) Stream(ctx context.Context, argv []string, sink io.Writer, notify func(Event)) error {
	startupRetried := false
	for {
		cause, err := s.runOnce(ctx, argv, sink, notify)

		if ctx.Err() != nil || cause == "cancelled" {
			notify(Event{Kind: EventExited, Cause: "cancelled"})
			return nil
		}

		switch {
		case cause == "": // clean process exit
			notify(Event{Kind: EventExited})
			return nil

		case cause == "startup_stall":
			// A silent start gets exactly one retry.
			if startupRetried {
				notify(Event{Kind: EventFailed, Cause: cause, Err: err})
				return fmt.Errorf("transcode: %w", err)
			}
			startupRetried = true

		case !s.budget.Allow():
			notify(Event{Kind: EventFailed, Cause: cause, Err: err})
			return fmt.Errorf("transcode: restart budget exhausted after %s: %w", cause, err)
		}

		metrics.TranscoderRestarts.WithLabelValues(cause).Inc()
		notify(Event{Kind: EventRestarted, Cause: cause, Err: err})
		logger.Warn().Str("cause", cause).Err(err).Msg("restarting transcoder")
	}
}

// runOnce runs one process attempt. Returns ("", nil) on clean exit, or a
// cause label and error describing why the attempt ended.
func (s *Supervisor) runOnce(ctx context.Context, argv []string, sink io.Writer, notify func(Event)) (string, error) {
	cmd := exec.Command(s.opts.FFmpegPath, argv...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "spawn", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "spawn", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "spawn", fmt.Errorf("start %s: %w", s.opts.FFmpegPath, err)
	}
	spawnedAt := time.Now()
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("transcoder spawned")

	var total atomic.Int64
	var lastByte atomic.Int64
	lastByte.Store(spawnedAt.UnixNano())

	copyErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				prev := total.Add(int64(n)) - int64(n)
				lastByte.Store(time.Now().UnixNano())
				if prev < startupBytes && prev+int64(n) >= startupBytes && s.started.CompareAndSwap(false, true) {
					notify(Event{Kind: EventStarted})
				}
				if _, werr := sink.Write(buf[:n]); werr != nil {
					copyErr <- werr
					return
				}
				metrics.StreamBytes.Add(float64(n))
			}
			if rerr != nil {
				if rerr == io.EOF {
					copyErr <- nil
				} else {
					copyErr <- rerr
				}
				return
			}
		}
	}()

	fatalCh := make(chan string, 1)
	go scanStderr(stderr, fatalCh)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	kill := func() {
		s.terminate(cmd, waitCh)
	}

	for {
		select {
		case <-ctx.Done():
			kill()
			return "cancelled", ctx.Err()

		case werr := <-copyErr:
			if werr != nil {
				// Sink write failed: the client is gone.
				kill()
				return "cancelled", werr
			}
			// stdout EOF; fold into process exit.
			exitErr := <-waitCh
			return classifyExit(exitErr, total.Load(), drainFatal(fatalCh))

		case exitErr := <-waitCh:
			return classifyExit(exitErr, total.Load(), drainFatal(fatalCh))

		case msg := <-fatalCh:
			kill()
			return "upstream_error", fmt.Errorf("transcode: %s", msg)

		case <-ticker.C:
			n := total.Load()
			if n == 0 {
				if time.Since(spawnedAt) > s.opts.StartupTimeout {
					kill()
					return "startup_stall", errStartupStall
				}
				continue
			}
			if time.Since(time.Unix(0, lastByte.Load())) > s.opts.IdleTimeout {
				kill()
				return "idle", errIdle
			}
		}
	}
}

// terminate sends SIGTERM, waits up to the grace window, then SIGKILLs.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(s.opts.Grace):
	}
	_ = cmd.Process.Kill()
	<-waitCh
}

func classifyExit(exitErr error, bytes int64, fatal string) (string, error) {
	switch {
	case fatal != "":
		return "upstream_error", fmt.Errorf("transcode: %s", fatal)
	case exitErr == nil:
		return "", nil
	case bytes == 0:
		return "startup_stall", fmt.Errorf("transcode: exited before first byte: %w", exitErr)
	default:
		return "exit", fmt.Errorf("transcode: %w", exitErr)
	}
}

func drainFatal(ch <-chan string) string {
	select {
	case m := <-ch:
		return m
	default:
		return ""
	}
}

var fatalPatterns = []string{
	"Connection refused",
	"Invalid data",
	"Server returned 4",
	"Server returned 5",
}

// scanStderr reads ffmpeg's stderr. Progress lines (frame=, speed=, bitrate=)
// are health signals and stay at debug; known fatal patterns go to fatalCh.
func scanStderr(r io.Reader, fatalCh chan<- string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "frame=") || strings.Contains(line, "speed=") || strings.Contains(line, "bitrate=") {
			logger.Debug().Str("progress", line).Msg("transcoder progress")
			continue
		}
		for _, p := range fatalPatterns {
			if strings.Contains(line, p) {
				select {
				case fatalCh <- line:
				default:
				}
				break
			}
		}
	}
}
