package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/supervisor"
)

// SubprocessBackend multiplexes stdin/stdout/stderr of a child
// process into the streaming contract: one JSON UserInput line
// per Send, one JSON AssistantEvent line per assistant event read
// from stdout, stderr lines logged as diagnostics — the exact
// contract SPEC_FULL.md §6 names.
//
// Unlike MockBackend, state is updated from a separate goroutine (the
// stdout reader) rather than inline in Send; it uses the same
// backendStateAfter rule table so the two variants converge on
// identical observable behaviour (DESIGN.md open question 3).
type SubprocessBackend struct {
	upstreamID string
	sup        *supervisor.Supervisor
	log        *slog.Logger

	mu     sync.Mutex
	state  State
	subs   []chan events.AssistantEvent
	closed bool

	stdin  *bufio.Writer
	cancel context.CancelFunc
}

// NewSubprocessBackend spawns binary directly with os/exec, wiring its
// stdio into the backend contract. The child is not restarted: when it
// exits, the backend shuts down. sup is stored but does not manage the
// child. upstreamID, if non-empty, is
// passed through as a resumption hint via the BACKEND_UPSTREAM_ID
// environment variable.
func NewSubprocessBackend(ctx context.Context, log *slog.Logger, sup *supervisor.Supervisor, binary string, args []string, upstreamID string) (*SubprocessBackend, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, binary, args...)
	if upstreamID != "" {
		cmd.Env = append(cmd.Environ(), "BACKEND_UPSTREAM_ID="+upstreamID)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start subprocess: %w", err)
	}

	if upstreamID == "" {
		upstreamID = uuid.New().String()
	}

	b := &SubprocessBackend{
		upstreamID: upstreamID,
		sup:        sup,
		log:        log,
		state:      State{Kind: "Idle"},
		stdin:      bufio.NewWriter(stdin),
		cancel:     cancel,
	}

	go b.readStdout(bufio.NewScanner(stdout))
	go b.readStderr(bufio.NewScanner(stderr))
	go func() {
		_ = cmd.Wait()
		b.Shutdown() //nolint:errcheck
	}()

	return b, nil
}

func (b *SubprocessBackend) Send(input string) error {
	env := events.UserInput{Content: input}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backend closed")
	}
	if _, err := b.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if err := b.stdin.Flush(); err != nil {
		return fmt.Errorf("flush stdin: %w", err)
	}
	b.state = State{Kind: "Processing"}
	return nil
}

func (b *SubprocessBackend) readStdout(scanner *bufio.Scanner) {
	for scanner.Scan() {
		var ev events.AssistantEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			if b.log != nil {
				b.log.Warn("subprocess backend: malformed event line", "error", err)
			}
			continue
		}

		b.mu.Lock()
		b.state = backendStateAfter(b.state, ev)
		subs := append([]chan events.AssistantEvent(nil), b.subs...)
		b.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (b *SubprocessBackend) readStderr(scanner *bufio.Scanner) {
	for scanner.Scan() {
		if b.log != nil {
			b.log.Warn("subprocess backend stderr", "line", scanner.Text())
		}
	}
}

func (b *SubprocessBackend) Subscribe() <-chan events.AssistantEvent {
	ch := make(chan events.AssistantEvent, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *SubprocessBackend) RespondPermission(requestID string, approved bool) error {
	return b.Send(fmt.Sprintf(`{"permission_response":{"request_id":%q,"approved":%v}}`, requestID, approved))
}

func (b *SubprocessBackend) UpstreamSessionID() string { return b.upstreamID }

func (b *SubprocessBackend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *SubprocessBackend) Shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.state = State{Kind: "Finished"}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	b.cancel()
	for _, ch := range subs {
		close(ch)
	}
	return nil
}

// SubprocessFactory creates SubprocessBackend instances bound to one
// supervised binary configuration.
type SubprocessFactory struct {
	Ctx     context.Context
	Log     *slog.Logger
	Sup     *supervisor.Supervisor
	Binary  string
	Args    []string
}

func (f SubprocessFactory) Create(upstreamID string) (Backend, error) {
	return NewSubprocessBackend(f.Ctx, f.Log, f.Sup, f.Binary, f.Args, upstreamID)
}
