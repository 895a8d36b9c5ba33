package store

import (
	"bytes"
	"sort"
)

type overlayOp struct {
	key       []byte
	value     []byte
	tombstone bool
}

// Overlay buffers the writes of one transaction. Entries are invisible
// outside the owning transaction until Apply folds them into the next
// published Version. A later write to the same key replaces the earlier
// one, so the overlay holds at most one operation per key.
type Overlay struct {
	ops map[string]overlayOp
}

func NewOverlay() *Overlay {
	return &Overlay{
		ops: map[string]overlayOp{},
	}
}

// Put records an insert/update. Key and value are copied.
func (o *Overlay) Put(key, value []byte) {
	k := append([]byte(nil), key...)
	o.ops[string(key)] = overlayOp{
		key:   k,
		value: append([]byte(nil), value...),
	}
}

// Delete records a tombstone. Deleting a key absent from the base store
// is fine: Apply just removes nothing.
func (o *Overlay) Delete(key []byte) {
	o.ops[string(key)] = overlayOp{
		key:       append([]byte(nil), key...),
		tombstone: true,
	}
}

// Get reports the overlay's view of key: the buffered value, a
// tombstone (deleted=true), or nothing (present=false).
func (o *Overlay) Get(key []byte) (value []byte, deleted, present bool) {
	op, ok := o.ops[string(key)]
	if !ok {
		return nil, false, false
	}
	if op.tombstone {
		return nil, true, true
	}
	return op.value, false, true
}

func (o *Overlay) Len() int {
	return len(o.ops)
}

// sortedRange returns the buffered operations with from <= key < to in
// ascending key order. Nil bounds are open.
func (o *Overlay) sortedRange(from, to []byte) []overlayOp {
	ops := make([]overlayOp, 0, len(o.ops))
	for _, op := range o.ops {
		if from != nil && bytes.Compare(op.key, from) < 0 {
			continue
		}
		if to != nil && bytes.Compare(op.key, to) >= 0 {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return bytes.Compare(ops[i].key, ops[j].key) < 0
	})
	return ops
}

// AscendMerged walks base merged with this overlay in ascending key
// order: buffered puts shadow base records, tombstones hide them. This
// is the write transaction's private view; the base Version itself is
// never touched.
func (o *Overlay) AscendMerged(base *Version, from, to []byte, f func(key, value []byte) bool) {
	pending := o.sortedRange(from, to)
	i := 0
	stopped := false

	base.AscendRange(from, to, func(key, value []byte) bool {
		for i < len(pending) && bytes.Compare(pending[i].key, key) < 0 {
			op := pending[i]
			i++
			if op.tombstone {
				continue
			}
			if !f(op.key, op.value) {
				stopped = true
				return false
			}
		}
		if i < len(pending) && bytes.Equal(pending[i].key, key) {
			op := pending[i]
			i++
			if op.tombstone {
				return true
			}
			if !f(op.key, op.value) {
				stopped = true
				return false
			}
			return true
		}
		if !f(key, value) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}

	for ; i < len(pending); i++ {
		if pending[i].tombstone {
			continue
		}
		if !f(pending[i].key, pending[i].value) {
			return
		}
	}
}
