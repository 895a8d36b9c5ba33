package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fulldump/snapdb/store"
)

const (
	txnActive int32 = iota
	txnCommitted
	txnAborted
)

// ReadTxn is a non-blocking query handle bound to one snapshot. Every
// Get and scan reflects the store exactly as it was when BeginRead
// returned, regardless of commits that land afterwards.
type ReadTxn struct {
	id     uuid.UUID
	engine *Engine
	snap   *store.Snapshot
	done   atomic.Bool
}

// BeginRead binds a read transaction to the currently published
// snapshot. It never blocks: the binding is an atomic pointer read plus
// a reference increment.
func (e *Engine) BeginRead() *ReadTxn {
	e.activeReaders.Add(1)
	return &ReadTxn{
		id:     uuid.New(),
		engine: e,
		snap:   e.captureSnapshot(),
	}
}

func (t *ReadTxn) ID() uuid.UUID {
	return t.id
}

// Seq returns the sequence number of the bound snapshot.
func (t *ReadTxn) Seq() uint64 {
	return t.snap.Seq()
}

// Get returns the value for key, or ErrNotFound. The returned slice
// must not be modified.
func (t *ReadTxn) Get(key []byte) ([]byte, error) {
	value, ok := t.snap.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return value, nil
}

// Ascend visits every record in ascending key order until f returns
// false. The sequence is finite and fixed to this transaction's
// snapshot; re-invoking it yields the same records.
func (t *ReadTxn) Ascend(f func(key, value []byte) bool) {
	t.snap.Ascend(f)
}

// AscendRange visits records with from <= key < to. Nil bounds are open.
func (t *ReadTxn) AscendRange(from, to []byte, f func(key, value []byte) bool) {
	t.snap.AscendRange(from, to, f)
}

// Close releases the transaction's snapshot reference. Idempotent.
func (t *ReadTxn) Close() {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.engine.activeReaders.Add(-1)
	t.snap.Release()
}

// WriteTxn is the single mutation-permitting unit of work. It holds the
// writer-exclusion token while active; its writes live in a private
// overlay until Commit publishes them in one atomic swap.
type WriteTxn struct {
	id      uuid.UUID
	engine  *Engine
	base    *store.Snapshot
	overlay *store.Overlay
	state   atomic.Int32
}

// BeginWrite waits for the writer-exclusion token, then opens a write
// transaction over the currently published snapshot. The wait is
// unbounded; it ends only when the current holder commits or aborts, or
// when the engine shuts down (ErrClosed).
func (e *Engine) BeginWrite() (*WriteTxn, error) {
	select {
	case e.writerToken <- struct{}{}:
	case <-e.exit:
		return nil, ErrClosed
	}

	return &WriteTxn{
		id:      uuid.New(),
		engine:  e,
		base:    e.captureSnapshot(),
		overlay: store.NewOverlay(),
	}, nil
}

func (t *WriteTxn) ID() uuid.UUID {
	return t.id
}

func (t *WriteTxn) Seq() uint64 {
	return t.base.Seq()
}

// Get reads through the overlay first, so the transaction sees its own
// pending writes; everything else comes from the base snapshot.
func (t *WriteTxn) Get(key []byte) ([]byte, error) {
	if t.state.Load() != txnActive {
		return nil, ErrInvalidState
	}
	if value, deleted, present := t.overlay.Get(key); present {
		if deleted {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return value, nil
	}
	value, ok := t.base.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return value, nil
}

// Put buffers an insert/update in the transaction's overlay. Invisible
// outside this transaction until Commit.
func (t *WriteTxn) Put(key, value []byte) error {
	if t.state.Load() != txnActive {
		return ErrInvalidState
	}
	t.overlay.Put(key, value)
	return nil
}

// Delete buffers a tombstone. Deleting an absent key is valid and
// commits with no effect.
func (t *WriteTxn) Delete(key []byte) error {
	if t.state.Load() != txnActive {
		return ErrInvalidState
	}
	t.overlay.Delete(key)
	return nil
}

// Ascend scans the transaction's own merged view: base snapshot plus
// pending overlay writes, in ascending key order.
func (t *WriteTxn) Ascend(f func(key, value []byte) bool) {
	t.overlay.AscendMerged(t.base.Version(), nil, nil, f)
}

func (t *WriteTxn) AscendRange(from, to []byte, f func(key, value []byte) bool) {
	t.overlay.AscendMerged(t.base.Version(), from, to, f)
}

// validate checks commit-time invariants. Key uniqueness is structural
// (the overlay holds one operation per key, the tree one record per
// key), so there is nothing to reject today; the hook is the contract
// point for future invariants.
func (t *WriteTxn) validate() error {
	return nil
}

// Commit validates the overlay, publishes the next version with a
// single atomic swap, and releases the writer token. Publishing and
// releasing happen in that order, so a new writer always sees the
// fresh version. Commit on a terminal transaction fails with
// ErrInvalidState.
func (t *WriteTxn) Commit() error {
	if !t.state.CompareAndSwap(txnActive, txnCommitted) {
		return ErrInvalidState
	}

	if t.engine.closed.Load() {
		// The transaction still terminates; data past shutdown would
		// never reach a checkpoint.
		t.state.Store(txnAborted)
		t.release()
		return fmt.Errorf("%w: commit rejected", ErrClosed)
	}

	if err := t.validate(); err != nil {
		t.state.Store(txnAborted)
		t.release()
		return fmt.Errorf("%w: %s", ErrConflict, err)
	}

	t.engine.publish(t.base.Version().Apply(t.overlay))
	t.release()
	return nil
}

// Abort discards the overlay and releases the writer token. The store
// is untouched. Abort on a terminal transaction fails with
// ErrInvalidState.
func (t *WriteTxn) Abort() error {
	if !t.finish(txnAborted) {
		return ErrInvalidState
	}
	return nil
}

func (t *WriteTxn) finish(state int32) bool {
	if !t.state.CompareAndSwap(txnActive, state) {
		return false
	}
	t.release()
	return true
}

func (t *WriteTxn) release() {
	t.base.Release()
	<-t.engine.writerToken
}
