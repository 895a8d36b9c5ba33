package store

import (
	"sync/atomic"
)

// Snapshot is a shareable, immutable view of one published Version.
// Holders (read transactions, the checkpoint writer, the published
// pointer itself) acquire and release references; the count keeps the
// engine's accounting honest and catches release bugs, while actual
// memory reclamation is left to the garbage collector once the last
// pointer drops.
type Snapshot struct {
	version *Version
	refs    atomic.Int64
}

// NewSnapshot wraps a Version with an initial reference held by the caller.
func NewSnapshot(v *Version) *Snapshot {
	s := &Snapshot{version: v}
	s.refs.Store(1)
	return s
}

// Acquire takes an additional reference and returns the same snapshot.
func (s *Snapshot) Acquire() *Snapshot {
	s.refs.Add(1)
	return s
}

// Release drops one reference. Releasing more times than acquired is a
// bug in the caller.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) < 0 {
		panic("snapshot released more times than acquired")
	}
}

// Refs returns the current reference count.
func (s *Snapshot) Refs() int64 {
	return s.refs.Load()
}

func (s *Snapshot) Seq() uint64 {
	return s.version.Seq()
}

func (s *Snapshot) Len() int {
	return s.version.Len()
}

func (s *Snapshot) Get(key []byte) ([]byte, bool) {
	return s.version.Get(key)
}

func (s *Snapshot) Ascend(f func(key, value []byte) bool) {
	s.version.Ascend(f)
}

func (s *Snapshot) AscendRange(from, to []byte, f func(key, value []byte) bool) {
	s.version.AscendRange(from, to, f)
}

// Version exposes the underlying generation, for Apply at commit time.
func (s *Snapshot) Version() *Version {
	return s.version
}
