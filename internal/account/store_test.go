package account

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/botrix-io/botrix/internal/models"
)

func TestSQLStoreAppendAndList(t *testing.T) {
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "botrix.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &models.AccountRecord{
		Email:    "a@example.com",
		Username: "user_a",
		Success:  true,
		JobID:    "job-1",
	}))
	require.NoError(t, store.Append(ctx, &models.AccountRecord{
		Email:     "b@example.com",
		Success:   false,
		ErrorKind: models.FailureRegistration,
		JobID:     "job-1",
	}))

	records, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a@example.com", records[0].Email)
	require.True(t, records[0].Success)
	require.Equal(t, models.FailureRegistration, records[1].ErrorKind)

	count, err := store.CountByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSQLStoreAllowsDuplicates(t *testing.T) {
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "botrix.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := models.AccountRecord{Email: "dup@example.com", Username: "dup", Success: true}
	first := rec
	second := rec
	require.NoError(t, store.Append(ctx, &first))
	require.NoError(t, store.Append(ctx, &second))

	records, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestFileStoreAppendsSuccesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kicks.json")
	store := NewFileStore(path)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &models.AccountRecord{Email: "a@example.com", Success: true}))
	require.NoError(t, store.Append(ctx, &models.AccountRecord{Email: "b@example.com", Success: false}))
	require.NoError(t, store.Append(ctx, &models.AccountRecord{Email: "c@example.com", Success: true}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []models.AccountRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	require.Equal(t, "a@example.com", records[0].Email)
	require.Equal(t, "c@example.com", records[1].Email)
}

func TestMultiStoreFansOut(t *testing.T) {
	a := &memStore{}
	b := &memStore{}
	store := MultiStore(a, b)

	require.NoError(t, store.Append(context.Background(), &models.AccountRecord{Success: true}))
	require.Len(t, a.records, 1)
	require.Len(t, b.records, 1)
}
