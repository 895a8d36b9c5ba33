package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fulldump/snapdb/store"
)

// ErrCycleRunning is returned by Trigger when a previous cycle has not
// finished yet. The caller just retries later; the scheduler skips the
// tick.
var ErrCycleRunning = errors.New("checkpoint cycle already running")

// Writer serializes snapshots to durable checkpoint files. It never
// touches the writer-exclusion token: capture is an atomic snapshot
// acquire, so checkpointing runs entirely off the commit path.
type Writer struct {
	dir    string
	retain int
	logger zerolog.Logger

	inProgress  atomic.Bool
	lastDurable atomic.Uint64

	stop      chan struct{}
	stopOnce  sync.Once
	scheduler sync.WaitGroup
}

func NewWriter(dir string, retain int, logger zerolog.Logger) *Writer {
	if retain < 1 {
		retain = 1
	}
	return &Writer{
		dir:    dir,
		retain: retain,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// SetLastDurable seeds the durable sequence after recovery.
func (w *Writer) SetLastDurable(seq uint64) {
	w.lastDurable.Store(seq)
}

// LastDurable returns the sequence of the newest checkpoint confirmed
// on stable storage.
func (w *Writer) LastDurable() uint64 {
	return w.lastDurable.Load()
}

// Trigger runs one checkpoint cycle over snap. It takes ownership of
// the caller's snapshot reference and releases it when the cycle ends,
// successful or not. A failed cycle leaves the previous durable file
// untouched; the error is reported and the next trigger retries
// independently.
func (w *Writer) Trigger(snap *store.Snapshot) error {
	defer snap.Release()

	if !w.inProgress.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	defer w.inProgress.Store(false)

	t0 := time.Now()
	seq := snap.Seq()
	final := filepath.Join(w.dir, FileName(seq))
	temp := filepath.Join(w.dir, tempPrefix+uuid.New().String())

	records, size, err := w.serialize(temp, snap)
	if err != nil {
		os.Remove(temp)
		return fmt.Errorf("checkpoint %d: %w", seq, err)
	}

	if err := os.Rename(temp, final); err != nil {
		os.Remove(temp)
		return fmt.Errorf("checkpoint %d: rename: %w", seq, err)
	}
	syncDir(w.dir)

	w.lastDurable.Store(seq)

	// Sidecar and pruning are best effort: the checkpoint itself is
	// already durable.
	meta := Meta{
		Sequence:  seq,
		Records:   records,
		Bytes:     size,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeMeta(metaName(final), meta); err != nil {
		w.logger.Warn().Err(err).Msg("write checkpoint meta")
	}
	w.prune()
	w.SweepTemp()

	w.logger.Info().
		Uint64("seq", seq).
		Str("records", humanize.Comma(int64(records))).
		Str("size", humanize.Bytes(uint64(size))).
		Dur("elapsed", time.Since(t0)).
		Msg("checkpoint written")

	return nil
}

// serialize writes the snapshot to a temp file and syncs it to stable
// storage. The file is only fit for rename after Sync returns.
func (w *Writer) serialize(path string, snap *store.Snapshot) (records uint64, size int64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		return 0, 0, fmt.Errorf("create temp: %w", err)
	}
	defer f.Close()

	buf := bufio.NewWriterSize(f, 1<<20)
	records, size, err = Encode(buf, snap)
	if err != nil {
		return 0, 0, err
	}
	if err := buf.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flush temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, 0, fmt.Errorf("sync temp: %w", err)
	}
	return records, size, nil
}

// prune removes checkpoint generations beyond the retention count,
// newest first, plus their sidecars. The newest is durable by the time
// prune runs, so older fallbacks beyond retain are safe to drop.
func (w *Writer) prune() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("prune: read dir")
		return
	}

	seqs := []uint64{}
	for _, entry := range entries {
		if seq, ok := ParseFileName(entry.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	if len(seqs) <= w.retain {
		return
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })

	for _, seq := range seqs[w.retain:] {
		name := filepath.Join(w.dir, FileName(seq))
		if err := os.Remove(name); err != nil {
			w.logger.Warn().Err(err).Uint64("seq", seq).Msg("prune checkpoint")
			continue
		}
		os.Remove(metaName(name))
		w.logger.Debug().Uint64("seq", seq).Msg("pruned checkpoint")
	}
}

// SweepTemp removes temp artifacts abandoned by a crashed process or a
// failed cycle. Called at startup and after each successful rename;
// cycles are serialized, so no live temp file can be swept.
func (w *Writer) SweepTemp() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tempPrefix) {
			os.Remove(filepath.Join(w.dir, entry.Name()))
			w.logger.Debug().Str("file", entry.Name()).Msg("removed stale temp file")
		}
	}
}

// StartScheduler triggers a cycle every interval until StopScheduler.
// capture must return an acquired snapshot of the published version.
func (w *Writer) StartScheduler(interval time.Duration, capture func() *store.Snapshot) {
	w.scheduler.Add(1)
	go func() {
		defer w.scheduler.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := capture()
				if snap.Seq() == w.lastDurable.Load() {
					snap.Release()
					continue
				}
				err := w.Trigger(snap)
				if err != nil && !errors.Is(err, ErrCycleRunning) {
					w.logger.Error().Err(err).Msg("scheduled checkpoint failed")
				}
			case <-w.stop:
				return
			}
		}
	}()
}

// StopScheduler stops the periodic trigger and waits for it to exit. An
// in-flight cycle finishes first.
func (w *Writer) StopScheduler() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.scheduler.Wait()
}

// syncDir flushes directory metadata so the rename itself is durable.
// Best effort: some filesystems reject directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	d.Sync()
}
