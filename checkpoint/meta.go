package checkpoint

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Meta is the informational TOML sidecar written next to each
// checkpoint file. Recovery never reads it; it exists for operators and
// the stats command, and is pruned together with its checkpoint.
type Meta struct {
	Sequence  uint64    `toml:"sequence"`
	Records   uint64    `toml:"records"`
	Bytes     int64     `toml:"bytes"`
	CreatedAt time.Time `toml:"created_at"`
}

func metaName(checkpointName string) string {
	return checkpointName + ".toml"
}

// MetaFileName returns the sidecar name for sequence seq.
func MetaFileName(seq uint64) string {
	return metaName(FileName(seq))
}

func writeMeta(path string, m Meta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create meta: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	return nil
}

// ReadMeta loads the sidecar for the named checkpoint file.
func ReadMeta(path string) (Meta, error) {
	m := Meta{}
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return m, nil
}
