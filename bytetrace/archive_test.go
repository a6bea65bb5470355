package bytetrace

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents(t *testing.T) []TraceEvent {
	t.Helper()

	events, err := ParseTrace(strings.NewReader(sampleTrace))
	require.NoError(t, err)
	return events
}

func TestTraceArchive(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) Storage{
		"mem": func(t *testing.T) Storage { return NewMemStorage() },
	}
	if !testing.Short() {
		stores["badger"] = func(t *testing.T) Storage {
			store, err := NewBadgerStorage(filepath.Join(t.TempDir(), "archive"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}
	}

	for name, open := range stores {
		t.Run(name+"_save_load", func(t *testing.T) {
			archive := NewTraceArchive(open(t))
			events := sampleEvents(t)

			run := &TraceRun{Label: "baseline", Events: events}
			id, err := archive.Save(run)
			require.NoError(t, err)
			assert.NotEmpty(t, id)
			assert.Equal(t, id, run.ID)
			assert.False(t, run.CreatedAt.IsZero())

			loaded, err := archive.Load(id)
			require.NoError(t, err)
			assert.Equal(t, "baseline", loaded.Label)
			assert.Equal(t, events, loaded.Events)
			assert.True(t, run.CreatedAt.Equal(loaded.CreatedAt))
		})
		t.Run(name+"_list_delete", func(t *testing.T) {
			archive := NewTraceArchive(open(t))
			created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			_, err := archive.Save(&TraceRun{ID: "b", CreatedAt: created})
			require.NoError(t, err)
			_, err = archive.Save(&TraceRun{ID: "a", CreatedAt: created})
			require.NoError(t, err)

			ids, err := archive.List()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids)

			require.NoError(t, archive.Delete("a"))
			_, err = archive.Load("a")
			assert.ErrorIs(t, err, ErrRunNotFound)

			loaded, err := archive.Load("b")
			require.NoError(t, err)
			assert.True(t, created.Equal(loaded.CreatedAt))
		})
	}

	t.Run("shared_store", func(t *testing.T) {
		store := NewMemStorage()
		require.NoError(t, store.Save("other", []byte("x")))
		archive := NewTraceArchive(store)
		ids, err := archive.List()
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
	t.Run("corrupt_blob", func(t *testing.T) {
		store := NewMemStorage()
		require.NoError(t, store.Save(archiveKeyPrefix+";bad", []byte{0xff, 0xfe}))
		_, err := NewTraceArchive(store).Load("bad")
		assert.Error(t, err)
	})
}
