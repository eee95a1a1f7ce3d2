// Package eventlog implements C1: a durable, partitioned, append-only
// event log with consumer groups and committed offsets.
//
// On-disk layout and the binary record format are grounded on
// EricLarwa-2t3-DEPS/deps/internal/broker/storage.go's
// serializeEvent/deserializeEvents; consumer-group offset persistence
// is grounded on that repo's offsets.go OffsetManager. Partition
// routing, poll/commit/seek semantics, and the explicit avoidance of
// sorting cross-partition poll results by partition-local offset are
// grounded on original_source/vibes-iggy/src/partitioned_memory.rs.
package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/run-vibes/vibes-core/internal/events"
	"github.com/run-vibes/vibes-core/internal/verr"
)

// DefaultPartitionCount matches the partition count used throughout
// original_source's PartitionedInMemoryEventLog.
const DefaultPartitionCount = 8

// partition holds one independent, totally-ordered sub-log plus the
// condition variable pollers wait on for new appends.
type partition struct {
	mu         sync.RWMutex
	events     []events.Envelope // offset i stored at index i
	nextOffset uint64
	store      *segmentStore // nil for a pure in-memory log

	notifyMu sync.Mutex
	waiters  []chan struct{}
}

func (p *partition) wait() <-chan struct{} {
	ch := make(chan struct{})
	p.notifyMu.Lock()
	p.waiters = append(p.waiters, ch)
	p.notifyMu.Unlock()
	return ch
}

func (p *partition) wake() {
	p.notifyMu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.notifyMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// append assigns the next offset in this partition and stores the
// event durably before returning it, satisfying the "write-then-
// notify" ordering spec.md §4.1 requires.
func (p *partition) append(e events.Envelope) (uint64, error) {
	p.mu.Lock()
	offset := p.nextOffset
	e.Offset = offset
	if p.store != nil {
		if err := p.store.append(offset, e); err != nil {
			p.mu.Unlock()
			return 0, verr.NewPersistence("eventlog.append", err)
		}
	}
	p.events = append(p.events, e)
	p.nextOffset++
	p.mu.Unlock()

	p.wake()
	return offset, nil
}

func (p *partition) sliceFrom(offset uint64, max int) []events.Envelope {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if offset >= uint64(len(p.events)) {
		return nil
	}
	end := uint64(len(p.events))
	if max > 0 && offset+uint64(max) < end {
		end = offset + uint64(max)
	}
	out := make([]events.Envelope, end-offset)
	copy(out, p.events[offset:end])
	return out
}

func (p *partition) length() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextOffset
}

// Log is the C1 event log: N independent partitions behind a stable
// routing function, plus durable consumer-group cursors.
type Log struct {
	partitions []*partition
	globalSeq  atomic.Uint64 // orthogonal append-time sequence, see DESIGN.md open question 2

	groupsMu sync.Mutex
	groups   map[string]*groupState
	offStore *offsetStore // nil for a pure in-memory log
}

type groupState struct {
	mu      sync.Mutex
	offsets []uint64 // next offset to read, per partition (committed+1)
}

// Option configures a Log.
type Option func(*logConfig)

type logConfig struct {
	partitionCount int
	dataDir        string
}

// WithPartitionCount overrides DefaultPartitionCount.
func WithPartitionCount(n int) Option {
	return func(c *logConfig) { c.partitionCount = n }
}

// WithDataDir enables on-disk durability under dir; without it, the
// log is purely in-memory (useful for tests).
func WithDataDir(dir string) Option {
	return func(c *logConfig) { c.dataDir = dir }
}

// New constructs a Log, recovering partitions and offsets from
// dataDir if WithDataDir was given and the directory already holds
// segment files.
func New(opts ...Option) (*Log, error) {
	cfg := logConfig{partitionCount: DefaultPartitionCount}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Log{
		partitions: make([]*partition, cfg.partitionCount),
		groups:     make(map[string]*groupState),
	}

	for i := range l.partitions {
		p := &partition{}
		if cfg.dataDir != "" {
			store, err := openSegmentStore(cfg.dataDir, i)
			if err != nil {
				return nil, fmt.Errorf("open partition %d: %w", i, err)
			}
			p.store = store
			recovered, err := store.loadAll()
			if err != nil {
				return nil, fmt.Errorf("recover partition %d: %w", i, err)
			}
			p.events = recovered
			p.nextOffset = uint64(len(recovered))
		}
		l.partitions[i] = p
	}

	if cfg.dataDir != "" {
		os, err := openOffsetStore(cfg.dataDir)
		if err != nil {
			return nil, fmt.Errorf("open offset store: %w", err)
		}
		l.offStore = os
	}

	var maxOffset uint64
	for _, p := range l.partitions {
		if n := p.length(); n > maxOffset {
			maxOffset = n
		}
	}
	l.globalSeq.Store(maxOffset)

	return l, nil
}

// partitionFor implements partition_id = stable_hash(key) mod N; no
// key routes to partition 0, exactly as spec.md §4.1 requires.
func (l *Log) partitionFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.partitions)))
}

// Append atomically assigns the next offset in the event's partition
// and persists it, returning that offset.
func (l *Log) Append(e events.Envelope) (uint64, error) {
	idx := l.partitionFor(e.SessionID())
	offset, err := l.partitions[idx].append(e)
	if err != nil {
		return 0, err
	}
	l.globalSeq.Add(1)
	return offset, nil
}

// AppendBatch appends a slice of events, returning the offset of the
// last one appended. Per-partition atomicity only: the batch is not
// atomic across partitions.
func (l *Log) AppendBatch(es []events.Envelope) (uint64, error) {
	var last uint64
	for _, e := range es {
		offset, err := l.Append(e)
		if err != nil {
			return 0, err
		}
		last = offset
	}
	return last, nil
}

// HighWaterMark returns the total event count across all partitions.
// It is a progress indicator only, never a seek position — see
// DESIGN.md's resolution of spec.md §9's open question on this.
func (l *Log) HighWaterMark() uint64 {
	var total uint64
	for _, p := range l.partitions {
		total += p.length()
	}
	return total
}

// PartitionCount reports the fixed partition count chosen at creation.
func (l *Log) PartitionCount() int { return len(l.partitions) }

func (l *Log) groupStateFor(group string) *groupState {
	l.groupsMu.Lock()
	defer l.groupsMu.Unlock()
	gs, ok := l.groups[group]
	if !ok {
		gs = &groupState{offsets: make([]uint64, len(l.partitions))}
		if l.offStore != nil {
			if saved, err := l.offStore.load(group); err == nil && saved != nil {
				copy(gs.offsets, saved)
			}
		}
		l.groups[group] = gs
	}
	return gs
}

// Consumer returns a handle reading forward from group's committed
// position; a new group starts at the beginning of every partition.
func (l *Log) Consumer(group string) (*Consumer, error) {
	if group == "" {
		return nil, fmt.Errorf("eventlog: consumer group name must not be empty")
	}
	return &Consumer{log: l, group: group, state: l.groupStateFor(group)}, nil
}

// SeekPosition is the closed set of seek targets a Consumer accepts.
// There is deliberately no "seek to high-water-mark" variant: that
// value is not a valid seek argument once the log is partitioned (see
// DESIGN.md).
type SeekPosition struct {
	kind   seekKind
	offset uint64
}

type seekKind int

const (
	seekBeginning seekKind = iota
	seekEnd
	seekOffset
	seekFromEnd
)

func SeekBeginning() SeekPosition            { return SeekPosition{kind: seekBeginning} }
func SeekEnd() SeekPosition                  { return SeekPosition{kind: seekEnd} }
func SeekOffset(n uint64) SeekPosition       { return SeekPosition{kind: seekOffset, offset: n} }
func SeekFromEnd(n uint64) SeekPosition      { return SeekPosition{kind: seekFromEnd, offset: n} }

// Consumer reads events forward from a durable, per-partition cursor.
type Consumer struct {
	log   *Log
	group string
	state *groupState

	pendingMu sync.Mutex
	pending   map[int]uint64
}

// Poll returns up to max events newer than the group's current
// position across all partitions, in strict per-partition append
// order. It blocks at most timeout waiting for the first event to
// appear in any lagging partition, then returns whatever is
// available (possibly empty).
//
// Results from different partitions are concatenated in partition
// index order, NEVER sorted by partition-local offset — that is the
// exact bug original_source/vibes-iggy/src/partitioned_memory.rs
// demonstrates and spec.md §9 flags as the cross-partition ordering
// pitfall. Callers needing cross-partition interleaving must use
// events.Envelope's own timestamp, not offset.
func (c *Consumer) Poll(ctx context.Context, max int, timeout time.Duration) ([]events.Envelope, error) {
	c.state.mu.Lock()
	positions := append([]uint64(nil), c.state.offsets...)
	c.state.mu.Unlock()

	out := c.collect(positions, max)
	if len(out) > 0 {
		return out, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	done := make(chan struct{})
	woken := make(chan struct{}, 1)
	for _, p := range c.log.partitions {
		w := p.wait()
		go func() {
			select {
			case <-w:
				select {
				case woken <- struct{}{}:
				default:
				}
			case <-done:
			}
		}()
	}

	select {
	case <-woken:
	case <-deadline.C:
	case <-ctx.Done():
		close(done)
		return nil, ctx.Err()
	}
	close(done)

	return c.collect(positions, max), nil
}

func (c *Consumer) collect(positions []uint64, max int) []events.Envelope {
	var out []events.Envelope
	pending := make(map[int]uint64, len(c.log.partitions))
	remaining := max
	for i, p := range c.log.partitions {
		if remaining == 0 && max > 0 {
			break
		}
		take := remaining
		if max == 0 {
			take = 0 // 0 means "unbounded" for sliceFrom's max param too
		}
		batch := p.sliceFrom(positions[i], take)
		out = append(out, batch...)
		if len(batch) > 0 {
			pending[i] = positions[i] + uint64(len(batch)) - 1
		}
		if max > 0 {
			remaining -= len(batch)
		}
	}
	c.pendingMu.Lock()
	c.pending = pending
	c.pendingMu.Unlock()
	return out
}

// PendingCommit returns the per-partition offsets produced by the
// most recent Poll call, ready to pass to Commit. It is a convenience
// for callers (like the projection engine) that process a whole batch
// atomically and then commit it in one step, without hand-tracking
// which partitions contributed events.
func (c *Consumer) PendingCommit() map[int]uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make(map[int]uint64, len(c.pending))
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}

// Commit durably records that the group has processed up to offset
// (exclusive cursor: next poll starts at offset+1) for the partition
// each event belongs to. Commits are per-partition.
func (c *Consumer) Commit(committed map[int]uint64) error {
	c.state.mu.Lock()
	for idx, offset := range committed {
		if idx < 0 || idx >= len(c.state.offsets) {
			c.state.mu.Unlock()
			return fmt.Errorf("eventlog: commit: partition %d out of range", idx)
		}
		c.state.offsets[idx] = offset + 1
	}
	snapshot := append([]uint64(nil), c.state.offsets...)
	c.state.mu.Unlock()

	if c.log.offStore != nil {
		if err := c.log.offStore.save(c.group, snapshot); err != nil {
			return verr.NewPersistence("eventlog.commit", err)
		}
	}
	return nil
}

// Seek repositions every partition's cursor uniformly. FromEnd(n)
// clamps to the beginning if fewer than n events exist in a
// partition.
func (c *Consumer) Seek(pos SeekPosition) error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	for i, p := range c.log.partitions {
		length := p.length()
		switch pos.kind {
		case seekBeginning:
			c.state.offsets[i] = 0
		case seekEnd:
			c.state.offsets[i] = length
		case seekOffset:
			c.state.offsets[i] = pos.offset
		case seekFromEnd:
			if pos.offset >= length {
				c.state.offsets[i] = 0
			} else {
				c.state.offsets[i] = length - pos.offset
			}
		}
	}
	return nil
}

// CommittedOffset returns the minimum committed offset across
// partitions: the safe lower bound of guaranteed progress.
func (c *Consumer) CommittedOffset() uint64 {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	min := c.state.offsets[0]
	for _, o := range c.state.offsets[1:] {
		if o < min {
			min = o
		}
	}
	if min == 0 {
		return 0
	}
	return min - 1
}
