package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/run-vibes/vibes-core/internal/projection/store"
)

// newTestStore spins up a disposable PostgreSQL via testcontainers-go
// (or reuses CI_DATABASE_URL if set, mirroring tarsy's
// test/database/client.go NewTestClient dual-mode pattern) and
// returns a migrated Store.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("CI_DATABASE_URL")
	if dsn == "" {
		t.Log("using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	st, err := store.New(ctx, store.Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestUpsertSessionIsIdempotentUnderReplay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := store.Session{SessionID: "s1", Name: "first", State: "Idle", Recoverable: true, LastOffset: 5}
	require.NoError(t, st.UpsertSession(ctx, nil, sess))

	// A stale replay at a lower offset must not regress the row.
	require.NoError(t, st.UpsertSession(ctx, nil, store.Session{
		SessionID: "s1", Name: "stale", State: "Processing", Recoverable: true, LastOffset: 2,
	}))

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "first", got.Name)
	require.Equal(t, uint64(5), got.LastOffset)

	require.NoError(t, st.UpsertSession(ctx, nil, store.Session{
		SessionID: "s1", Name: "updated", State: "Finished", Recoverable: true, LastOffset: 9,
	}))
	got, err = st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "updated", got.Name)
	require.Equal(t, uint64(9), got.LastOffset)
}

func TestDeleteSessionRemovesRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSession(ctx, nil, store.Session{SessionID: "s2", Name: "x", State: "Idle", LastOffset: 1}))
	require.NoError(t, st.DeleteSession(ctx, nil, "s2"))

	_, err := st.GetSession(ctx, "s2")
	require.Error(t, err)
}

func TestListSessionsOrderedByID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSession(ctx, nil, store.Session{SessionID: "b", Name: "b", State: "Idle", LastOffset: 1}))
	require.NoError(t, st.UpsertSession(ctx, nil, store.Session{SessionID: "a", Name: "a", State: "Idle", LastOffset: 1}))

	sessions, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "a", sessions[0].SessionID)
	require.Equal(t, "b", sessions[1].SessionID)
}

func TestTruncateAllClearsBothTables(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSession(ctx, nil, store.Session{SessionID: "s", Name: "s", State: "Idle", LastOffset: 1}))
	require.NoError(t, st.UpsertAgent(ctx, nil, store.Agent{AgentID: "a", Name: "a", Status: "Idle", LastOffset: 1}))

	require.NoError(t, st.TruncateAll(ctx))

	sessions, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Empty(t, agents)
}
