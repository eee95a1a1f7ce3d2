// Package projection implements C3: a CQRS-style consumer that
// folds the event log into the persisted read model, via a
// poll-apply-commit loop — grounded on tarsy's pkg/queue/worker.go
// run-loop shape, retargeted at eventlog.Consumer instead of a task
// queue.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/run-vibes/vibes-core/internal/agent"
	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/eventlog"
	"github.com/run-vibes/vibes-core/internal/projection/store"
)

// ConsumerGroup is the fixed consumer-group name the projection
// engine uses to track its own position in the log, independent of
// any other consumer (e.g. the firehose's historical-replay reads).
const ConsumerGroup = "projection-engine"

// Engine drives the read model from the event log.
type Engine struct {
	log   *eventlog.Log
	store *store.Store
	lg    *slog.Logger

	pollMax     int
	pollTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithPollMax(n int) Option                  { return func(e *Engine) { e.pollMax = n } }
func WithPollTimeout(d time.Duration) Option     { return func(e *Engine) { e.pollTimeout = d } }

// New constructs an Engine reading from log and writing to st.
func New(log *eventlog.Log, st *store.Store, lg *slog.Logger, opts ...Option) *Engine {
	e := &Engine{log: log, store: st, lg: lg, pollMax: 256, pollTimeout: time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run polls the log in a loop, applying and committing each batch,
// until ctx is cancelled. Apply is idempotent: replaying an already-
// applied offset is a no-op by construction (store writes guard on
// last_offset).
func (e *Engine) Run(ctx context.Context) error {
	consumer, err := e.log.Consumer(ConsumerGroup)
	if err != nil {
		return fmt.Errorf("open consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := e.processBatch(ctx, consumer, e.pollMax)
		if err != nil {
			e.lg.Error("projection: batch apply failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// ProcessBatch polls up to max events and applies them in one
// transaction, then commits the consumer's offsets. Exported for
// tests that want deterministic single-step control instead of the
// free-running Run loop.
func (e *Engine) ProcessBatch(ctx context.Context, consumer *eventlog.Consumer, max int) (int, error) {
	return e.processBatch(ctx, consumer, max)
}

func (e *Engine) processBatch(ctx context.Context, consumer *eventlog.Consumer, max int) (int, error) {
	envs, err := consumer.Poll(ctx, max, e.pollTimeout)
	if err != nil {
		return 0, err
	}
	if len(envs) == 0 {
		return 0, nil
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, env := range envs {
		if err := e.apply(ctx, tx, env); err != nil {
			return 0, fmt.Errorf("apply offset %d: %w", env.Offset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	if err := consumer.Commit(consumer.PendingCommit()); err != nil {
		return 0, fmt.Errorf("commit offsets: %w", err)
	}

	return len(envs), nil
}

// Apply dispatches one event onto the read model. It is the single
// choke point used by both ProcessBatch and Rebuild, so the two can
// never diverge in behaviour.
func (e *Engine) apply(ctx context.Context, tx pgx.Tx, env events.Envelope) error {
	switch p := env.Payload.(type) {
	case events.SessionCreated:
		return e.store.UpsertSession(ctx, tx, store.Session{
			SessionID: p.SessID, Name: p.Name, State: "Idle", Recoverable: true, LastOffset: env.Offset,
		})
	case events.SessionStateChanged:
		name := p.SessID
		if sess, err := e.store.GetSession(ctx, p.SessID); err == nil {
			name = sess.Name
		}
		return e.store.UpsertSession(ctx, tx, store.Session{
			SessionID: p.SessID, Name: name, State: p.State, Recoverable: true, LastOffset: env.Offset,
		})
	case events.SessionRemoved:
		return e.store.DeleteSession(ctx, tx, p.SessID)
	case events.Assistant:
		if p.Event.Kind == events.AssistantError {
			name := p.SessID
			state := "Failed"
			if sess, err := e.store.GetSession(ctx, p.SessID); err == nil {
				name = sess.Name
			}
			if p.Event.Recoverable {
				state = "Idle"
			}
			return e.store.UpsertSession(ctx, tx, store.Session{
				SessionID: p.SessID, Name: name, State: state, Recoverable: p.Event.Recoverable, LastOffset: env.Offset,
			})
		}
		return nil
	case events.AgentStatusChanged:
		return e.upsertAgentStatus(ctx, tx, p.AgentID, p.Status, env.Offset)
	case events.AgentTaskAssigned:
		return e.upsertAgentStatus(ctx, tx, p.AgentID, string(agent.StatusRunning), env.Offset)
	case events.AgentTaskCompleted:
		return nil // status already settled by the AgentStatusChanged that accompanies completion
	case events.StudyCreated:
		return e.store.UpsertStudy(ctx, tx, store.Study{
			StudyID: p.StudyID, Name: p.Name, Status: "pending",
			PeriodType: string(p.PeriodType), PeriodValue: p.PeriodValue, LastOffset: env.Offset,
		})
	case events.StudyStarted:
		return e.updateStudyStatus(ctx, tx, p.StudyID, "running", env.Offset, func(st *store.Study) {
			now := env.Timestamp
			st.StartedAt = &now
		})
	case events.StudyPaused:
		return e.updateStudyStatus(ctx, tx, p.StudyID, "paused", env.Offset, nil)
	case events.StudyResumed:
		return e.updateStudyStatus(ctx, tx, p.StudyID, "running", env.Offset, nil)
	case events.StudyStopped:
		return e.updateStudyStatus(ctx, tx, p.StudyID, "stopped", env.Offset, func(st *store.Study) {
			now := env.Timestamp
			st.StoppedAt = &now
		})
	default:
		return nil
	}
}

// updateStudyStatus reads the existing study projection inside tx (so
// writes made earlier in the same batch are seen), applies status plus
// any field mutation, and writes it back.
func (e *Engine) updateStudyStatus(ctx context.Context, tx pgx.Tx, studyID, status string, offset uint64, mutate func(*store.Study)) error {
	var st store.Study
	err := tx.QueryRow(ctx, `
		SELECT study_id, name, status, period_type, period_value, started_at, stopped_at, last_offset, updated_at
		FROM study_projections WHERE study_id = $1
	`, studyID).Scan(&st.StudyID, &st.Name, &st.Status, &st.PeriodType, &st.PeriodValue, &st.StartedAt, &st.StoppedAt, &st.LastOffset, &st.UpdatedAt)
	if err != nil {
		st = store.Study{StudyID: studyID}
	}
	st.Status = status
	st.LastOffset = offset
	if mutate != nil {
		mutate(&st)
	}
	return e.store.UpsertStudy(ctx, tx, st)
}

func (e *Engine) upsertAgentStatus(ctx context.Context, tx pgx.Tx, agentID, status string, offset uint64) error {
	name := agentID
	if existing, err := e.store.GetAgent(ctx, agentID); err == nil {
		name = existing.Name
	}
	return e.store.UpsertAgent(ctx, tx, store.Agent{
		AgentID: agentID, Name: name, Status: status, LastOffset: offset,
	})
}

// Rebuild truncates the read model and replays the entire log from
// the beginning through Apply, producing a fresh projection
// identical to what incremental application would have produced.
func (e *Engine) Rebuild(ctx context.Context) error {
	if err := e.store.TruncateAll(ctx); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	rebuildGroup := ConsumerGroup + "-rebuild"
	consumer, err := e.log.Consumer(rebuildGroup)
	if err != nil {
		return fmt.Errorf("open rebuild consumer: %w", err)
	}
	if err := consumer.Seek(eventlog.SeekBeginning()); err != nil {
		return fmt.Errorf("seek beginning: %w", err)
	}

	for {
		envs, err := consumer.Poll(ctx, e.pollMax, 10*time.Millisecond)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if len(envs) == 0 {
			return nil
		}

		tx, err := e.store.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		for _, env := range envs {
			if err := e.apply(ctx, tx, env); err != nil {
				tx.Rollback(ctx) //nolint:errcheck
				return fmt.Errorf("apply offset %d: %w", env.Offset, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
}
