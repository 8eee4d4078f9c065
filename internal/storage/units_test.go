package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/providentiaww/ptdatax-ingest/internal/storage"
	"github.com/providentiaww/ptdatax-ingest/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnits_Lifecycle(t *testing.T) {
	ctx := context.Background()
	units := storage.NewUnits(storagetest.New(t))

	unit := storage.Unit{
		Identity:    "alice_survey1",
		Owner:       "alice",
		UnitName:    "survey1",
		RootPath:    "/data/ingest/alice/survey1",
		SymlinkPath: "/data/ingest/active/alice_survey1",
	}
	require.NoError(t, units.MarkPending(ctx, unit))

	got, err := units.Get(ctx, "alice_survey1")
	require.NoError(t, err)
	assert.Equal(t, storage.UnitPending, got.State)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, units.MarkFailed(ctx, "alice_survey1", errors.New("registry unavailable")))
	got, err = units.Get(ctx, "alice_survey1")
	require.NoError(t, err)
	assert.Equal(t, storage.UnitFailed, got.State)
	assert.Equal(t, "registry unavailable", got.LastError)

	// retry on a later pass
	require.NoError(t, units.MarkPending(ctx, unit))
	require.NoError(t, units.MarkRegistered(ctx, "alice_survey1", "proj-1"))

	got, err = units.Get(ctx, "alice_survey1")
	require.NoError(t, err)
	assert.Equal(t, storage.UnitRegistered, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Empty(t, got.LastError)

	registered, err := units.List(ctx, storage.UnitRegistered)
	require.NoError(t, err)
	assert.Len(t, registered, 1)
}

func TestUnits_TransitionRequiresPending(t *testing.T) {
	ctx := context.Background()
	units := storage.NewUnits(storagetest.New(t))

	assert.Error(t, units.MarkRegistered(ctx, "nobody_nothing", "p"))

	_, err := units.Get(ctx, "nobody_nothing")
	assert.True(t, storage.IsNoRows(err))
}

func TestUnits_FailureMessageKeepsRunes(t *testing.T) {
	ctx := context.Background()
	units := storage.NewUnits(storagetest.New(t))
	require.NoError(t, units.MarkPending(ctx, storage.Unit{Identity: "bob_survey2", Owner: "bob", UnitName: "survey2"}))

	// the two-byte é straddles the 500 byte cap
	cause := errors.New(strings.Repeat("a", 499) + "é" + strings.Repeat("b", 50))
	require.NoError(t, units.MarkFailed(ctx, "bob_survey2", cause))

	got, err := units.Get(ctx, "bob_survey2")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.Equal(t, strings.Repeat("a", 499), got.LastError)
}
