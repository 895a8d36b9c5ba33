package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/fulldump/snapdb/store"
)

// LoadResult describes what recovery found.
type LoadResult struct {
	// Version is the rehydrated store, empty when nothing validated.
	// Its sequence is the highest seen in ANY checkpoint file name,
	// valid or not, so later cycles never write below an existing file.
	Version *store.Version

	// DurableSeq is the sequence of the file actually loaded, 0 when
	// bootstrapping empty.
	DurableSeq uint64

	// Source is the file name recovery loaded from, "" for an empty
	// bootstrap.
	Source string

	// Discarded lists newer candidates that failed validation and were
	// superseded by an older generation (or by the empty store).
	Discarded []string
}

// Load selects the newest valid checkpoint in dir and rebuilds the
// store from it. Corrupt candidates are skipped with a warning in favor
// of older generations; an absent directory or no valid candidate at
// all yields an empty store, which is a defined bootstrap outcome, not
// an error.
func Load(dir string, logger zerolog.Logger) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Info().Str("dir", dir).Msg("no data directory, bootstrapping empty store")
		return &LoadResult{Version: store.NewVersion(0)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	seqs := []uint64{}
	for _, entry := range entries {
		if seq, ok := ParseFileName(entry.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	if len(seqs) == 0 {
		logger.Info().Str("dir", dir).Msg("no checkpoint files, bootstrapping empty store")
		return &LoadResult{Version: store.NewVersion(0)}, nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	maxSeen := seqs[0]

	result := &LoadResult{}
	for _, seq := range seqs {
		name := FileName(seq)
		builder, err := loadFile(filepath.Join(dir, name), seq)
		if err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("discarding checkpoint candidate")
			result.Discarded = append(result.Discarded, name)
			continue
		}

		result.Version = builder.Build(maxSeen)
		result.DurableSeq = seq
		result.Source = name
		logger.Info().
			Str("file", name).
			Str("records", humanize.Comma(int64(result.Version.Len()))).
			Msg("store recovered from checkpoint")
		return result, nil
	}

	// Every candidate was corrupt. Bootstrap empty, but keep sequence
	// numbering above the damaged files.
	logger.Warn().Str("dir", dir).Msg("no valid checkpoint, bootstrapping empty store")
	result.Version = store.NewVersion(maxSeen)
	return result, nil
}

func loadFile(path string, seq uint64) (*store.Builder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	builder, headerSeq, err := Decode(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, err
	}
	if headerSeq != seq {
		return nil, fmt.Errorf("%w: header sequence %d does not match file name %d",
			ErrCorruptCheckpoint, headerSeq, seq)
	}
	return builder, nil
}
