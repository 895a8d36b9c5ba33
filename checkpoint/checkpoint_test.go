package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/fulldump/biff"
	"github.com/rs/zerolog"

	"github.com/fulldump/snapdb/store"
)

func Environment(f func(dir string)) {
	dir, err := os.MkdirTemp("", "snapdb-checkpoint-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	f(dir)
}

func buildSnapshot(seq uint64, records map[string]string) *store.Snapshot {
	b := store.NewBuilder()
	for key, value := range records {
		b.Add([]byte(key), []byte(value))
	}
	return store.NewSnapshot(b.Build(seq))
}

func TestFileNameRoundTrip(t *testing.T) {

	name := FileName(42)
	AssertEqual(name, "checkpoint-00000000000000000042.snap")

	seq, ok := ParseFileName(name)
	AssertTrue(ok)
	AssertEqual(seq, uint64(42))

	_, ok = ParseFileName("checkpoint-banana.snap")
	AssertFalse(ok)
	_, ok = ParseFileName(".tmp-whatever")
	AssertFalse(ok)
	_, ok = ParseFileName("checkpoint-00000000000000000042.snap.toml")
	AssertFalse(ok)
}

func TestEncodeDecode(t *testing.T) {

	snap := buildSnapshot(3, map[string]string{
		"a": "1",
		"b": "2",
		"c": "",
	})

	buf := &bytes.Buffer{}
	records, size, err := Encode(buf, snap)
	AssertNil(err)
	AssertEqual(records, uint64(3))
	AssertEqual(size, int64(buf.Len()))

	builder, seq, err := Decode(bytes.NewReader(buf.Bytes()))
	AssertNil(err)
	AssertEqual(seq, uint64(3))

	v := builder.Build(seq)
	AssertEqual(v.Len(), 3)
	value, ok := v.Get([]byte("b"))
	AssertTrue(ok)
	AssertEqual(string(value), "2")
	value, ok = v.Get([]byte("c"))
	AssertTrue(ok)
	AssertEqual(len(value), 0)
}

func TestDecodeDetectsCorruption(t *testing.T) {

	snap := buildSnapshot(1, map[string]string{"key": "value"})
	buf := &bytes.Buffer{}
	_, _, err := Encode(buf, snap)
	AssertNil(err)

	// Flip one payload byte: checksum must not match.
	corrupt := append([]byte(nil), buf.Bytes()...)
	corrupt[len(corrupt)-6] ^= 0xff
	_, _, err = Decode(bytes.NewReader(corrupt))
	AssertTrue(errors.Is(err, ErrCorruptCheckpoint))

	// Truncate mid-entry.
	_, _, err = Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-10]))
	AssertTrue(errors.Is(err, ErrCorruptCheckpoint))

	// Garbage magic.
	_, _, err = Decode(bytes.NewReader([]byte("definitely not a checkpoint")))
	AssertTrue(errors.Is(err, ErrCorruptCheckpoint))
}

func TestWriterRoundTrip(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 2, zerolog.Nop())
		err := w.Trigger(buildSnapshot(1, map[string]string{"a": "1", "b": "2"}))
		AssertNil(err)
		AssertEqual(w.LastDurable(), uint64(1))

		// meta sidecar exists and matches
		meta, err := ReadMeta(filepath.Join(dir, MetaFileName(1)))
		AssertNil(err)
		AssertEqual(meta.Sequence, uint64(1))
		AssertEqual(meta.Records, uint64(2))

		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Source, FileName(1))
		AssertEqual(result.DurableSeq, uint64(1))
		AssertEqual(result.Version.Len(), 2)

		value, ok := result.Version.Get([]byte("a"))
		AssertTrue(ok)
		AssertEqual(string(value), "1")
	})
}

func TestLoadEmptyDirectory(t *testing.T) {
	Environment(func(dir string) {

		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Version.Len(), 0)
		AssertEqual(result.Version.Seq(), uint64(0))
		AssertEqual(result.Source, "")
	})
}

func TestLoadAbsentDirectory(t *testing.T) {

	result, err := Load("/does/not/exist/anywhere", zerolog.Nop())
	AssertNil(err)
	AssertEqual(result.Version.Len(), 0)
}

func TestLoadFallsBackToOlderGeneration(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 5, zerolog.Nop())
		AssertNil(w.Trigger(buildSnapshot(1, map[string]string{"a": "old"})))
		AssertNil(w.Trigger(buildSnapshot(2, map[string]string{"a": "new"})))

		// Damage the newest generation.
		newest := filepath.Join(dir, FileName(2))
		AssertNil(os.WriteFile(newest, []byte("torn"), 0666))

		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Source, FileName(1))
		AssertEqual(result.DurableSeq, uint64(1))
		AssertEqual(result.Discarded, []string{FileName(2)})

		value, ok := result.Version.Get([]byte("a"))
		AssertTrue(ok)
		AssertEqual(string(value), "old")

		// Sequence numbering stays above the damaged file.
		AssertEqual(result.Version.Seq(), uint64(2))
	})
}

func TestLoadAllCorruptBootstrapsEmpty(t *testing.T) {
	Environment(func(dir string) {

		AssertNil(os.WriteFile(filepath.Join(dir, FileName(3)), []byte("junk"), 0666))
		AssertNil(os.WriteFile(filepath.Join(dir, FileName(7)), []byte("junk"), 0666))

		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Version.Len(), 0)
		AssertEqual(result.Version.Seq(), uint64(7))
		AssertEqual(result.DurableSeq, uint64(0))
		AssertEqual(len(result.Discarded), 2)
	})
}

func TestLoadRejectsSequenceMismatch(t *testing.T) {
	Environment(func(dir string) {

		// A valid stream whose header sequence does not match its name.
		snap := buildSnapshot(9, map[string]string{"a": "1"})
		buf := &bytes.Buffer{}
		_, _, err := Encode(buf, snap)
		AssertNil(err)
		AssertNil(os.WriteFile(filepath.Join(dir, FileName(5)), buf.Bytes(), 0666))

		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Version.Len(), 0)
		AssertEqual(result.Discarded, []string{FileName(5)})
	})
}

func TestAbandonedTempNeverCorruptsRecovery(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 2, zerolog.Nop())
		AssertNil(w.Trigger(buildSnapshot(1, map[string]string{"a": "durable"})))

		// Simulate a crash mid-serialization: a partial temp artifact
		// that never reached the rename step.
		temp := filepath.Join(dir, tempPrefix+"deadbeef")
		AssertNil(os.WriteFile(temp, []byte("partial garbage"), 0666))

		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Source, FileName(1))
		value, _ := result.Version.Get([]byte("a"))
		AssertEqual(string(value), "durable")

		// Next startup sweeps the artifact.
		NewWriter(dir, 2, zerolog.Nop()).SweepTemp()
		_, err = os.Stat(temp)
		AssertTrue(os.IsNotExist(err))
	})
}

func TestTriggerFailureLeavesDurableFileUntouched(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 2, zerolog.Nop())
		AssertNil(w.Trigger(buildSnapshot(1, map[string]string{"a": "1"})))

		// A writer pointed at a path that is not a directory fails its
		// cycle and reports it.
		bogus := NewWriter(filepath.Join(dir, FileName(1)), 2, zerolog.Nop())
		err := bogus.Trigger(buildSnapshot(2, map[string]string{"a": "2"}))
		AssertNotNil(err)
		AssertEqual(bogus.LastDurable(), uint64(0))

		// The previously durable generation is intact.
		result, err := Load(dir, zerolog.Nop())
		AssertNil(err)
		AssertEqual(result.Source, FileName(1))

		// The next cycle retries independently and succeeds.
		AssertNil(w.Trigger(buildSnapshot(2, map[string]string{"a": "2"})))
		AssertEqual(w.LastDurable(), uint64(2))
	})
}

func TestSchedulerTriggersPeriodically(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 2, zerolog.Nop())

		seq := atomic.Uint64{}
		capture := func() *store.Snapshot {
			return buildSnapshot(seq.Add(1), map[string]string{"a": "1"})
		}

		w.StartScheduler(5*time.Millisecond, capture)
		defer w.StopScheduler()

		deadline := time.Now().Add(2 * time.Second)
		for w.LastDurable() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("scheduler never wrote a checkpoint")
			}
			time.Sleep(time.Millisecond)
		}
	})
}

func TestSchedulerSkipsWhenNothingChanged(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 5, zerolog.Nop())
		AssertNil(w.Trigger(buildSnapshot(1, map[string]string{"a": "1"})))

		// Capture keeps returning the already durable sequence: no new
		// files must appear.
		w.StartScheduler(time.Millisecond, func() *store.Snapshot {
			return buildSnapshot(1, map[string]string{"a": "1"})
		})
		time.Sleep(50 * time.Millisecond)
		w.StopScheduler()

		entries, err := os.ReadDir(dir)
		AssertNil(err)
		n := 0
		for _, entry := range entries {
			if _, ok := ParseFileName(entry.Name()); ok {
				n++
			}
		}
		AssertEqual(n, 1)
	})
}

func TestPruneRetainsConfiguredGenerations(t *testing.T) {
	Environment(func(dir string) {

		w := NewWriter(dir, 2, zerolog.Nop())
		for seq := uint64(1); seq <= 5; seq++ {
			records := map[string]string{"seq": fmt.Sprint(seq)}
			AssertNil(w.Trigger(buildSnapshot(seq, records)))
		}

		entries, err := os.ReadDir(dir)
		AssertNil(err)

		checkpoints := []string{}
		for _, entry := range entries {
			if _, ok := ParseFileName(entry.Name()); ok {
				checkpoints = append(checkpoints, entry.Name())
			}
		}
		AssertEqual(checkpoints, []string{FileName(4), FileName(5)})

		// Sidecars of pruned generations are gone too.
		_, err = os.Stat(filepath.Join(dir, MetaFileName(1)))
		AssertTrue(os.IsNotExist(err))
	})
}
