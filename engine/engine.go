package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fulldump/snapdb/checkpoint"
	"github.com/fulldump/snapdb/store"
)

const (
	StatusOpening   = "opening"
	StatusOperating = "operating"
	StatusClosing   = "closing"
	StatusClosed    = "closed"
)

type Config struct {
	// Dir is the data directory holding checkpoint files. It must
	// already exist (or be creatable by the surrounding process); the
	// engine does not create or clear it.
	Dir string

	// CheckpointInterval enables the periodic checkpoint scheduler.
	// Zero means manual checkpoints only.
	CheckpointInterval time.Duration

	// Retain is how many checkpoint generations to keep. Defaults to 2:
	// the newest plus one fallback.
	Retain int

	Logger zerolog.Logger
}

// Engine is the persistence and concurrency core: it owns the single
// published store version, admits one write transaction at a time and
// any number of readers, and drives checkpointing and recovery.
type Engine struct {
	config Config
	logger zerolog.Logger

	// published is the one canonical store reference. Swapped only by
	// Commit, read atomically by everyone else.
	published atomic.Pointer[store.Snapshot]

	// writerToken is the writer-exclusion token: capacity one, held
	// from BeginWrite until Commit or Abort.
	writerToken chan struct{}

	checkpoints *checkpoint.Writer

	activeReaders atomic.Int64
	status        atomic.Value
	exit          chan struct{}
	closed        atomic.Bool
}

// Initialize recovers the store from the newest valid checkpoint in
// config.Dir (empty bootstrap when none validates) and returns an
// operating engine. No transaction is admitted before recovery ends.
func Initialize(config Config) (*Engine, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.Retain == 0 {
		config.Retain = 2
	}

	e := &Engine{
		config:      config,
		logger:      config.Logger,
		writerToken: make(chan struct{}, 1),
		exit:        make(chan struct{}),
	}
	e.status.Store(StatusOpening)

	result, err := checkpoint.Load(config.Dir, e.logger)
	if err != nil {
		return nil, fmt.Errorf("recover store: %w", err)
	}
	e.published.Store(store.NewSnapshot(result.Version))

	e.checkpoints = checkpoint.NewWriter(config.Dir, config.Retain, e.logger)
	e.checkpoints.SetLastDurable(result.DurableSeq)
	e.checkpoints.SweepTemp()

	if config.CheckpointInterval > 0 {
		e.checkpoints.StartScheduler(config.CheckpointInterval, e.captureSnapshot)
	}

	e.status.Store(StatusOperating)
	e.logger.Info().
		Uint64("seq", result.Version.Seq()).
		Int("records", result.Version.Len()).
		Str("source", result.Source).
		Msg("engine initialized")

	return e, nil
}

func (e *Engine) Status() string {
	return e.status.Load().(string)
}

// captureSnapshot atomically reads the published reference and takes a
// reference on it for the caller.
func (e *Engine) captureSnapshot() *store.Snapshot {
	return e.published.Load().Acquire()
}

// publish swaps the canonical reference to next and drops the engine's
// hold on the previous version. Readers that already captured the old
// snapshot keep it alive through their own references.
func (e *Engine) publish(next *store.Version) {
	prev := e.published.Load()
	e.published.Store(store.NewSnapshot(next))
	prev.Release()
}

// ForceCheckpoint captures the currently published snapshot and runs
// one cycle synchronously. It never blocks concurrent writers: the
// snapshot is captured without the writer token, and further commits
// may publish new versions while serialization is still running.
func (e *Engine) ForceCheckpoint() error {
	return e.checkpoints.Trigger(e.captureSnapshot())
}

// Shutdown stops the scheduler, refuses new write transactions, and
// writes a final checkpoint when there are commits newer than the last
// durable one. A failed final checkpoint is returned, but the engine
// stops cleanly either way; the previous durable file stays intact.
func (e *Engine) Shutdown() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.status.Store(StatusClosing)
	close(e.exit)

	e.checkpoints.StopScheduler()

	var err error
	snap := e.captureSnapshot()
	if snap.Seq() > e.checkpoints.LastDurable() {
		err = e.checkpoints.Trigger(snap)
	} else {
		snap.Release()
	}

	e.status.Store(StatusClosed)
	e.logger.Info().Msg("engine shut down")
	return err
}

// Stats is a point-in-time view of engine accounting.
type Stats struct {
	Status        string
	Sequence      uint64
	Records       int
	DurableSeq    uint64
	ActiveReaders int64
	SnapshotRefs  int64
}

func (e *Engine) Stats() Stats {
	snap := e.published.Load()
	return Stats{
		Status:        e.Status(),
		Sequence:      snap.Seq(),
		Records:       snap.Len(),
		DurableSeq:    e.checkpoints.LastDurable(),
		ActiveReaders: e.activeReaders.Load(),
		SnapshotRefs:  snap.Refs(),
	}
}
