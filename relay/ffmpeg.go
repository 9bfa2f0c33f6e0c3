package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Launcher spawns a relay process and returns once it is confirmed running.
type Launcher interface {
	Launch(ctx context.Context, source, publish string) (Handle, error)
}

// Handle is a running relay process. Done is closed when it exits; Err is
// valid after that.
type Handle interface {
	Done() <-chan struct{}
	Err() error
	Stop(grace time.Duration) error
}

// FFmpegLauncher runs ffmpeg copying an HLS source to an RTMP publish URL.
type FFmpegLauncher struct {
	Path           string
	LogLevel       string
	Proxy          string
	StartupTimeout time.Duration
	// Command builds the process; nil means exec.Command.
	Command func(name string, args ...string) *exec.Cmd
}

// Args returns the ffmpeg argument list.
func (l *FFmpegLauncher) Args(source, publish string) []string {
	var args []string
	if l.Proxy != "" {
		args = append(args, "-http_proxy", l.Proxy)
	}
	level := l.LogLevel
	if level == "" {
		level = "error"
	}
	return append(args,
		"-loglevel", level,
		"-stats",
		"-re",
		"-i", source,
		"-c", "copy",
		"-f", "flv",
		publish,
	)
}

// Launch starts ffmpeg and waits for its first progress line. A process that
// exits, or stays silent past StartupTimeout, is a launch failure.
func (l *FFmpegLauncher) Launch(ctx context.Context, source, publish string) (Handle, error) {
	path := l.Path
	if path == "" {
		path = "ffmpeg"
	}
	mk := l.Command
	if mk == nil {
		mk = exec.Command
	}
	cmd := mk(path, l.Args(source, publish)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Stage: "spawn", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Stage: "spawn", Err: err}
	}
	p := &process{cmd: cmd, done: make(chan struct{}), tail: newTail(8)}
	confirmed := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.read(stderr, confirmed)
	}()
	// Wait closes the pipe, so it must follow the last read.
	go func() {
		<-readDone
		p.wait()
	}()

	timeout := l.StartupTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		slog.Info("ffmpeg running", slog.String("component", "relay"), slog.Int("pid", cmd.Process.Pid))
		return p, nil
	case <-p.done:
		return nil, &LaunchError{Stage: "confirm", Err: p.Err()}
	case <-timer.C:
		_ = p.Stop(0)
		return nil, &LaunchError{Stage: "confirm", Err: fmt.Errorf("no progress within %s: %s", timeout, p.tail.String())}
	case <-ctx.Done():
		_ = p.Stop(0)
		return nil, &LaunchError{Stage: "confirm", Err: ctx.Err()}
	}
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	tail *tail

	mu  sync.Mutex
	err error
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		if t := p.tail.String(); t != "" {
			err = fmt.Errorf("%w: %s", err, t)
		}
	} else {
		err = errors.New("ffmpeg exited")
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Stop interrupts ffmpeg so it can flush, then kills it after grace.
func (p *process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if grace > 0 {
		_ = p.cmd.Process.Signal(os.Interrupt)
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
			slog.Warn("ffmpeg ignored interrupt, killing", slog.String("component", "relay"), slog.Duration("grace", grace))
		}
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// read scans stderr. ffmpeg -stats rewrites its progress line with \r.
func (p *process) read(r io.Reader, confirmed chan<- struct{}) {
	sc := bufio.NewScanner(r)
	sc.Split(scanLinesCR)
	once := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if isProgress(line) {
			if !once {
				once = true
				close(confirmed)
			}
			continue
		}
		p.tail.Add(line)
	}
}

func isProgress(line string) bool {
	return strings.HasPrefix(line, "frame=") || strings.HasPrefix(line, "size=")
}

func scanLinesCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n non-progress lines for error reports.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}
