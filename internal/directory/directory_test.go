package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattendance/internal/store"
)

func TestRepositoryLookups(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewDB(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db.Client)
	require.NoError(t, repo.Upsert(ctx, Subject{ID: "S1", DisplayName: "Ana", Group: "5", Subgroup: "A", ContactPhone: "+639170000001", Active: true}))
	require.NoError(t, repo.Upsert(ctx, Subject{ID: "S2", DisplayName: "Ben", Group: "5", Subgroup: "A", Active: false}))
	require.NoError(t, repo.Upsert(ctx, Subject{ID: "S1", DisplayName: "Ana Cruz", Group: "5", Subgroup: "A", ContactPhone: "+639170000001", Active: true}))

	active, err := repo.FindActiveSubjects(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Ana Cruz", active[0].DisplayName)

	s, err := repo.FindSubjectByID(ctx, "S2")
	require.NoError(t, err)
	assert.False(t, s.Active)

	_, err = repo.FindSubjectByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrSubjectNotFound)
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(
		Subject{ID: "b", Active: true},
		Subject{ID: "a", Active: true},
		Subject{ID: "c", Active: false},
	)

	active, err := d.FindActiveSubjects(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)

	_, err = d.FindSubjectByID(context.Background(), "zzz")
	assert.ErrorIs(t, err, ErrSubjectNotFound)
}
