package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/fulldump/snapdb/store"
)

// Checkpoint file layout (big-endian):
//
//	magic   uint32
//	format  uint32
//	seq     uint64
//	count   uint64
//	count × { klen uint32, key, vlen uint32, value }   ascending key order
//	crc     uint32   CRC-32C over all preceding bytes
const (
	magic         uint32 = 0x534E5031 // "SNP1"
	formatVersion uint32 = 1

	filePrefix = "checkpoint-"
	fileSuffix = ".snap"
	tempPrefix = ".tmp-"

	// Entries larger than this are rejected as corrupt rather than
	// allocated blindly from a damaged length field.
	maxEntrySize = 1 << 30
)

var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileName returns the canonical name for sequence seq. The sequence is
// zero-padded decimal so lexical order equals numeric order.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

// ParseFileName extracts the sequence number from a checkpoint file
// name, reporting false for anything that is not one.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if len(digits) != 20 {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

type header struct {
	Magic  uint32
	Format uint32
	Seq    uint64
	Count  uint64
}

// Encode serializes a snapshot to w in the checkpoint format. It
// returns the number of records and payload bytes written.
func Encode(w io.Writer, snap *store.Snapshot) (records uint64, size int64, err error) {
	crc := crc32.New(castagnoli)
	counted := &countingWriter{w: io.MultiWriter(w, crc)}

	h := header{
		Magic:  magic,
		Format: formatVersion,
		Seq:    snap.Seq(),
		Count:  uint64(snap.Len()),
	}
	if err = binary.Write(counted, binary.BigEndian, h); err != nil {
		return 0, 0, fmt.Errorf("write header: %w", err)
	}

	var lenBuf [4]byte
	writeChunk := func(b []byte) error {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, err := counted.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := counted.Write(b)
		return err
	}

	snap.Ascend(func(key, value []byte) bool {
		if err = writeChunk(key); err != nil {
			return false
		}
		if err = writeChunk(value); err != nil {
			return false
		}
		records++
		return true
	})
	if err != nil {
		return 0, 0, fmt.Errorf("write record: %w", err)
	}
	if records != h.Count {
		return 0, 0, fmt.Errorf("record count changed during serialization: %d != %d", records, h.Count)
	}

	if err = binary.Write(counted, binary.BigEndian, crc.Sum32()); err != nil {
		return 0, 0, fmt.Errorf("write checksum: %w", err)
	}

	return records, counted.n, nil
}

// Decode reads and validates a checkpoint stream, returning the rebuilt
// records and the sequence number from the header. Any structural
// problem (bad magic, wrong format, short read, key disorder, checksum
// mismatch) is reported as ErrCorruptCheckpoint.
func Decode(r io.Reader) (*store.Builder, uint64, error) {
	crc := crc32.New(castagnoli)
	tee := io.TeeReader(r, crc)

	h := header{}
	if err := binary.Read(tee, binary.BigEndian, &h); err != nil {
		return nil, 0, fmt.Errorf("%w: read header: %s", ErrCorruptCheckpoint, err)
	}
	if h.Magic != magic {
		return nil, 0, fmt.Errorf("%w: bad magic %08x", ErrCorruptCheckpoint, h.Magic)
	}
	if h.Format != formatVersion {
		return nil, 0, fmt.Errorf("%w: unsupported format %d", ErrCorruptCheckpoint, h.Format)
	}

	readChunk := func() ([]byte, error) {
		var lenBuf [4]byte
		if _, err := io.ReadFull(tee, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxEntrySize {
			return nil, fmt.Errorf("entry of %d bytes", n)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(tee, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	builder := store.NewBuilder()
	var prevKey []byte
	for i := uint64(0); i < h.Count; i++ {
		key, err := readChunk()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read key %d: %s", ErrCorruptCheckpoint, i, err)
		}
		value, err := readChunk()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read value %d: %s", ErrCorruptCheckpoint, i, err)
		}
		if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
			return nil, 0, fmt.Errorf("%w: keys out of order at entry %d", ErrCorruptCheckpoint, i)
		}
		prevKey = key
		builder.Add(key, value)
	}

	sum := crc.Sum32()
	var trailer [4]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: read checksum: %s", ErrCorruptCheckpoint, err)
	}
	if got := binary.BigEndian.Uint32(trailer[:]); got != sum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch %08x != %08x", ErrCorruptCheckpoint, got, sum)
	}

	return builder, h.Seq, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
