package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxLineBytes caps a single JSON-RPC line from a stdio upstream. A line
// past the cap means a corrupt or hostile peer, so the transport shuts down
// rather than resynchronize mid-stream.
const maxLineBytes = 10 * 1024 * 1024

// Stdio runs an upstream MCP server as a child process and frames messages
// as newline-delimited JSON on its stdin/stdout.
type Stdio struct {
	name    string
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	started   bool

	readers   sync.WaitGroup
	messages  chan []byte
	lifecycle chan LifecycleEvent
	done      chan struct{}
}

type StdioConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

func NewStdio(cfg StdioConfig, logger *slog.Logger) (*Stdio, error) {
	if err := checkSpawnSafety(cfg.Command, cfg.Args); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		name:      cfg.Name,
		command:   cfg.Command,
		args:      cfg.Args,
		env:       cfg.Env,
		logger:    logger.With("upstream", cfg.Name),
		messages:  make(chan []byte, 256),
		lifecycle: make(chan LifecycleEvent, 16),
		done:      make(chan struct{}),
	}, nil
}

// checkSpawnSafety rejects commands that look like shell injection attempts.
// The command runs via exec directly, so metacharacters would never expand;
// their presence still signals a misconfigured or tampered config.
func checkSpawnSafety(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("empty upstream command")
	}
	const meta = ";|&$`<>(){}"
	if strings.ContainsAny(command, meta) {
		return fmt.Errorf("upstream command %q contains shell metacharacters", command)
	}
	if strings.Contains(command, "..") {
		return fmt.Errorf("upstream command %q contains path traversal", command)
	}
	for _, a := range args {
		if strings.ContainsAny(a, meta) {
			return fmt.Errorf("upstream argument %q contains shell metacharacters", a)
		}
		if strings.Contains(a, "..") {
			return fmt.Errorf("upstream argument %q contains path traversal", a)
		}
	}
	return nil
}

func (t *Stdio) Name() string { return t.name }

func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("stdio transport already started")
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(cmd.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.connected = true

	t.readers.Add(2)
	go t.readStdout(stdout)
	go t.readStderr(stderr)
	go t.wait()

	t.logger.Info("upstream started", "command", t.command, "pid", cmd.Process.Pid)
	t.emit(LifecycleEvent{Kind: LifecycleConnected})
	return nil
}

func (t *Stdio) readStdout(r io.Reader) {
	defer t.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, fs.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("upstream line exceeds %d bytes: %w", maxLineBytes, err)
		}
		t.emit(LifecycleEvent{Kind: LifecycleError, Err: err})
		t.terminate()
	}
}

func (t *Stdio) readStderr(r io.Reader) {
	defer t.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.logger.Debug("upstream stderr", "line", line)
		t.emit(LifecycleEvent{Kind: LifecycleStderr, Detail: line})
	}
}

func (t *Stdio) wait() {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	// Both pipe readers must be done before the channels close.
	t.readers.Wait()

	detail := "exit status 0"
	if err != nil {
		detail = err.Error()
	}
	t.logger.Info("upstream exited", "detail", detail)
	t.emit(LifecycleEvent{Kind: LifecycleExit, Detail: detail, Err: err})
	t.close()
}

// Send writes one message followed by a newline to the child's stdin.
func (t *Stdio) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("upstream %s not connected", t.name)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to upstream %s: %w", t.name, err)
	}
	return nil
}

// Stop closes stdin and waits briefly for the child to exit before killing it.
func (t *Stdio) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started || t.cmd == nil {
		t.mu.Unlock()
		return nil
	}
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	_ = stdin.Close()

	exited := make(chan struct{})
	go func() {
		// wait() already reaps the process; poll the done channel instead.
		<-t.done
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-t.done
	return nil
}

func (t *Stdio) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Stdio) Messages() <-chan []byte          { return t.messages }
func (t *Stdio) Lifecycle() <-chan LifecycleEvent { return t.lifecycle }

func (t *Stdio) terminate() {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (t *Stdio) emit(ev LifecycleEvent) {
	select {
	case t.lifecycle <- ev:
	default:
		t.logger.Debug("lifecycle channel full, dropping event", "kind", ev.Kind)
	}
}

// close tears down the channels exactly once.
func (t *Stdio) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)
	close(t.messages)
	close(t.lifecycle)
}
