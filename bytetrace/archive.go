package bytetrace

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrRunNotFound is returned when an archived run does not exist.
var ErrRunNotFound = errors.New("trace run not found")

const archiveKeyPrefix = "run"

// TraceRun is one recorded execution kept in a TraceArchive.
type TraceRun struct {
	ID        string       `msgpack:"id"`
	Label     string       `msgpack:"label"`
	CreatedAt time.Time    `msgpack:"created"`
	Events    []TraceEvent `msgpack:"events"`
}

// TraceArchive persists trace runs as snappy compressed msgpack blobs.
type TraceArchive struct {
	store Storage
}

// NewTraceArchive creates an archive over the store. Archive keys are scoped so the store may be shared.
func NewTraceArchive(store Storage) *TraceArchive {
	return &TraceArchive{store: KeyPrefixStorage(store, archiveKeyPrefix)}
}

// Save stores the run, assigning an ID and creation time when unset, and returns the run ID.
func (a *TraceArchive) Save(run *TraceRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	encoded, err := msgpack.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("encode run failed: %w", err)
	} else if err := a.store.Save(run.ID, SnappyCompress(nil, encoded)); err != nil {
		return "", fmt.Errorf("save run failed: %w", err)
	}
	return run.ID, nil
}

// Load returns the run with the given ID.
func (a *TraceArchive) Load(id string) (*TraceRun, error) {
	blob, ok, err := a.store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("load run failed: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	decoded, err := SnappyDecompress(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decompress run failed: %w", err)
	}
	var run TraceRun
	if err := msgpack.Unmarshal(decoded, &run); err != nil {
		return nil, fmt.Errorf("decode run failed: %w", err)
	}
	return &run, nil
}

// List returns the IDs of all archived runs.
func (a *TraceArchive) List() ([]string, error) {
	return a.store.Keys("")
}

// Delete removes a run, deleting an absent run is not an error.
func (a *TraceArchive) Delete(id string) error {
	return a.store.Delete(id)
}
