package store

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mnist-forge/internal/metrics"
)

func TestLedgerRecordsRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "history.db")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Begin(RunInfo{Epochs: 2, BatchSize: 32, Seed: 7})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	want := []metrics.Epoch{
		{Epoch: 1, Accuracy: 0.9, Loss: 0.3, ValAccuracy: 0.95, ValLoss: 0.15},
		{Epoch: 2, Accuracy: 0.96, Loss: 0.12, ValAccuracy: 0.97, ValLoss: 0.09},
	}
	for _, e := range want {
		require.NoError(t, l.RecordEpoch(id, e))
	}
	require.NoError(t, l.Finish(id, 0.97, 0.09, "out/model.keras"))

	h, err := l.History(id)
	require.NoError(t, err)
	require.Equal(t, want, h.Epochs)

	runs, err := l.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, id, runs[0].ID)
	require.True(t, runs[0].FinishedAt.Valid)
	require.InDelta(t, 0.97, runs[0].TestAccuracy.Float64, 1e-9)
	require.Equal(t, "out/model.keras", runs[0].Archive.String)
}

func TestLedgerRejectsDuplicateEpoch(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Begin(RunInfo{Epochs: 1, BatchSize: 32})
	require.NoError(t, err)
	require.NoError(t, l.RecordEpoch(id, metrics.Epoch{Epoch: 1}))
	require.Error(t, l.RecordEpoch(id, metrics.Epoch{Epoch: 1}))
	require.ErrorContains(t, l.Finish("missing", 0, 0, ""), "unknown run")
}
