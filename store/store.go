package store

import (
	"bytes"

	"github.com/google/btree"
)

// Record is a single key/value pair. Keys are opaque byte sequences,
// unique within a Version, ordered by bytes.Compare.
type Record struct {
	Key   []byte
	Value []byte
}

func recordLess(a, b Record) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

const btreeDegree = 32

// Version is one immutable generation of the store. A Version is built
// once (by Apply or a Builder) and never mutated afterwards, so any
// number of goroutines may read it without locking.
type Version struct {
	seq  uint64
	tree *btree.BTreeG[Record]
}

// NewVersion returns an empty Version with sequence number seq.
func NewVersion(seq uint64) *Version {
	return &Version{
		seq:  seq,
		tree: btree.NewG(btreeDegree, recordLess),
	}
}

func (v *Version) Seq() uint64 {
	return v.seq
}

func (v *Version) Len() int {
	return v.tree.Len()
}

// Get returns the value for key. The returned slice is shared with the
// store and must not be modified.
func (v *Version) Get(key []byte) ([]byte, bool) {
	r, ok := v.tree.Get(Record{Key: key})
	if !ok {
		return nil, false
	}
	return r.Value, true
}

// Ascend visits every record in ascending key order until f returns false.
func (v *Version) Ascend(f func(key, value []byte) bool) {
	v.tree.Ascend(func(r Record) bool {
		return f(r.Key, r.Value)
	})
}

// AscendRange visits records with from <= key < to in ascending order.
// A nil bound is open on that side.
func (v *Version) AscendRange(from, to []byte, f func(key, value []byte) bool) {
	iterator := func(r Record) bool {
		return f(r.Key, r.Value)
	}
	hasFrom := from != nil
	hasTo := to != nil

	if !hasFrom && !hasTo {
		v.tree.Ascend(iterator)
	} else if hasFrom && !hasTo {
		v.tree.AscendGreaterOrEqual(Record{Key: from}, iterator)
	} else if !hasFrom && hasTo {
		v.tree.AscendLessThan(Record{Key: to}, iterator)
	} else {
		v.tree.AscendRange(Record{Key: from}, Record{Key: to}, iterator)
	}
}

// Apply merges an overlay into this Version and returns the next one.
// The receiver is left untouched: the new generation shares structure
// with the old via the btree's copy-on-write Clone, so concurrent
// readers of the old Version are never affected.
func (v *Version) Apply(overlay *Overlay) *Version {
	next := v.tree.Clone()
	for _, op := range overlay.ops {
		if op.tombstone {
			next.Delete(Record{Key: op.key})
		} else {
			next.ReplaceOrInsert(Record{Key: op.key, Value: op.value})
		}
	}
	return &Version{
		seq:  v.seq + 1,
		tree: next,
	}
}

// Builder accumulates records for a Version under construction. It is
// used by the recovery loader, which replays checkpoint entries in key
// order into a fresh generation.
type Builder struct {
	tree *btree.BTreeG[Record]
}

func NewBuilder() *Builder {
	return &Builder{
		tree: btree.NewG(btreeDegree, recordLess),
	}
}

// Add inserts a record. Key and value are copied.
func (b *Builder) Add(key, value []byte) {
	b.tree.ReplaceOrInsert(Record{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
}

func (b *Builder) Len() int {
	return b.tree.Len()
}

// Build seals the accumulated records into a Version with the given
// sequence number. The Builder must not be used afterwards.
func (b *Builder) Build(seq uint64) *Version {
	v := &Version{
		seq:  seq,
		tree: b.tree,
	}
	b.tree = nil
	return v
}
