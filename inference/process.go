package inference

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/frame"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/framing"
)

// ProcessConfig configures a subprocess engine.
type ProcessConfig struct {
	// Command is the executable and its arguments (e.g., ["python3", "detector.py"]).
	Command []string
	// Env is appended to the current environment.
	Env []string
	// Timeout bounds one request/response exchange (default 5s).
	Timeout time.Duration
	// Model labels results when the process does not report one.
	Model string
}

// Process runs inference in a supervised subprocess.
//
// Protocol (stdin/stdout, framing length prefix, msgpack body):
//
//	request:  {seq, width, height, channels, format: "rgba", pixels}
//	response: {seq, detections: [{label, confidence, box: [x1,y1,x2,y2]}],
//	           timing: {total_ms}, model, error}
//
// One request is in flight at a time. When an exchange times out or the pipe
// breaks, the process is killed and a new one is spawned on the next call.
// Lines on stderr are logged, mapped to slog levels by their "[LEVEL]" tag.
type Process struct {
	cfg ProcessConfig

	mu     sync.Mutex
	proc   *subprocess
	closed bool

	// Stats
	requests       atomic.Uint64
	failures       atomic.Uint64
	spawns         atomic.Uint64
	totalLatencyMS atomic.Uint64
	lastSeenAt     atomic.Int64
}

// ProcessStats contains subprocess engine counters.
type ProcessStats struct {
	Requests     uint64
	Failures     uint64
	Restarts     uint64
	AvgLatencyMS float64
	LastSeenAt   time.Time
	Running      bool
}

type request struct {
	Seq      uint64 `msgpack:"seq"`
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Channels int    `msgpack:"channels"`
	Format   string `msgpack:"format"`
	Pixels   []byte `msgpack:"pixels"`
}

type wireDetection struct {
	Label      string     `msgpack:"label"`
	Confidence float64    `msgpack:"confidence"`
	Box        [4]float64 `msgpack:"box"`
}

type response struct {
	Seq        uint64          `msgpack:"seq"`
	Detections []wireDetection `msgpack:"detections"`
	Timing     struct {
		TotalMS float64 `msgpack:"total_ms"`
	} `msgpack:"timing"`
	Model string `msgpack:"model"`
	Error string `msgpack:"error"`
}

// NewProcess validates cfg. The subprocess is spawned lazily on the first
// Infer call.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("inference: process command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Command[len(cfg.Command)-1]
	}

	slog.Info("inference: process engine created",
		"command", strings.Join(cfg.Command, " "),
		"timeout", cfg.Timeout,
	)
	return &Process{cfg: cfg}, nil
}

// Infer sends f to the subprocess and waits for its detections.
func (p *Process) Infer(ctx context.Context, f *frame.Frame) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Result{}, fmt.Errorf("%w: engine closed", ErrInference)
	}

	start := time.Now()
	p.requests.Add(1)

	if p.proc == nil {
		proc, err := p.spawn()
		if err != nil {
			p.failures.Add(1)
			return Result{}, fmt.Errorf("%w: %w", ErrInference, err)
		}
		p.proc = proc
	}

	payload, err := msgpack.Marshal(&request{
		Seq:      f.Seq,
		Width:    f.Width,
		Height:   f.Height,
		Channels: frame.Channels,
		Format:   "rgba",
		Pixels:   f.Pix,
	})
	if err != nil {
		p.failures.Add(1)
		return Result{}, fmt.Errorf("%w: marshal request: %w", ErrInference, err)
	}

	resp, err := p.exchange(ctx, payload)
	if err != nil {
		p.failures.Add(1)
		p.restart(err)
		return Result{}, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if resp.Error != "" {
		p.failures.Add(1)
		return Result{}, fmt.Errorf("%w: process reported: %s", ErrInference, resp.Error)
	}
	if resp.Seq != f.Seq {
		// Out of step with the process; a stale response would be
		// attributed to the wrong frame from now on.
		p.failures.Add(1)
		err := fmt.Errorf("response seq %d for request seq %d", resp.Seq, f.Seq)
		p.restart(err)
		return Result{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	latency := time.Since(start)
	p.totalLatencyMS.Add(uint64(latency.Milliseconds()))
	p.lastSeenAt.Store(time.Now().UnixNano())

	model := resp.Model
	if model == "" {
		model = p.cfg.Model
	}
	result := Result{FrameSeq: f.Seq, Latency: latency, Model: model}
	result.Detections = make([]Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		result.Detections = append(result.Detections, Detection{
			Label:      d.Label,
			Confidence: clamp01(d.Confidence),
			Box:        Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
		})
	}
	return result, nil
}

// exchange writes one request and reads one response, bounded by the
// configured timeout and ctx.
func (p *Process) exchange(ctx context.Context, payload []byte) (response, error) {
	type outcome struct {
		resp response
		err  error
	}
	proc := p.proc
	done := make(chan outcome, 1)

	go func() {
		if err := framing.WriteFrame(proc.stdin, payload); err != nil {
			done <- outcome{err: fmt.Errorf("write request: %w", err)}
			return
		}
		data, err := proc.stdout.Next()
		if err != nil {
			done <- outcome{err: fmt.Errorf("read response: %w", err)}
			return
		}
		var resp response
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			done <- outcome{err: fmt.Errorf("unmarshal response: %w", err)}
			return
		}
		done <- outcome{resp: resp}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-timer.C:
		return response{}, fmt.Errorf("no response within %v (process may be hung)", p.cfg.Timeout)
	case <-ctx.Done():
		return response{}, fmt.Errorf("cancelled: %w", ctx.Err())
	}
}

// restart kills the current process; the next Infer spawns a new one.
func (p *Process) restart(cause error) {
	if p.proc == nil {
		return
	}
	slog.Warn("inference: restarting process engine",
		"pid", p.proc.pid(),
		"error", cause,
	)
	p.proc.kill()
	p.proc = nil
}

// Stats returns engine counters.
func (p *Process) Stats() ProcessStats {
	requests := p.requests.Load()
	failures := p.failures.Load()

	var avg float64
	if ok := requests - failures; ok > 0 {
		avg = float64(p.totalLatencyMS.Load()) / float64(ok)
	}
	var lastSeen time.Time
	if ns := p.lastSeenAt.Load(); ns != 0 {
		lastSeen = time.Unix(0, ns)
	}
	spawns := p.spawns.Load()
	var restarts uint64
	if spawns > 0 {
		restarts = spawns - 1
	}

	p.mu.Lock()
	running := p.proc != nil && !p.proc.exited()
	p.mu.Unlock()

	return ProcessStats{
		Requests:     requests,
		Failures:     failures,
		Restarts:     restarts,
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
		Running:      running,
	}
}

// Close stops the subprocess. Infer fails afterwards.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.proc != nil {
		p.proc.stop(2 * time.Second)
		p.proc = nil
	}
	slog.Info("inference: process engine closed",
		"requests", p.requests.Load(),
		"failures", p.failures.Load(),
	)
	return nil
}

func (p *Process) spawn() (*subprocess, error) {
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	p.spawns.Add(1)

	sp := &subprocess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: framing.NewReader(stdout, 0),
		done:   make(chan struct{}),
	}
	go sp.logStderr(stderr)
	go sp.wait()

	slog.Info("inference: process spawned", "pid", sp.pid(), "command", p.cfg.Command[0])
	return sp, nil
}

type subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *framing.Reader

	done     chan struct{}
	stopping atomic.Bool
}

func (s *subprocess) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *subprocess) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait reaps the process to prevent zombies.
func (s *subprocess) wait() {
	defer close(s.done)

	err := s.cmd.Wait()
	switch {
	case s.stopping.Load():
		slog.Debug("inference: process exited (shutdown)", "pid", s.pid())
	case err != nil:
		slog.Error("inference: process exited unexpectedly", "pid", s.pid(), "error", err)
	default:
		slog.Warn("inference: process exited", "pid", s.pid())
	}
}

func (s *subprocess) kill() {
	s.stopping.Store(true)
	s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// stop closes stdin so the process can exit on its own, and kills it if it
// is still running after grace.
func (s *subprocess) stop(grace time.Duration) {
	s.stopping.Store(true)
	s.stdin.Close()

	select {
	case <-s.done:
	case <-time.After(grace):
		slog.Warn("inference: process stop timeout, force killing", "pid", s.pid())
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}
}

func (s *subprocess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("inference: process error", "pid", s.pid(), "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("inference: process warning", "pid", s.pid(), "log", line)
		default:
			slog.Debug("inference: process log", "pid", s.pid(), "log", line)
		}
	}
}
