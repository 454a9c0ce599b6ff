package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/storage/postgres"
	"github.com/cory-johannsen/botswarm/internal/testutil"
)

func TestEventRepository_RoundTrip(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	repo := postgres.NewEventRepository(pc.RawPool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	evs := []events.Event{
		{Type: events.TypeStateChanged, Time: now, SwarmID: "s1", SessionID: "a", Slot: 0, Attempt: 1, Bot: "Bot_0", To: "connecting"},
		{Type: events.TypeOperationSent, Time: now, SwarmID: "s1", SessionID: "a", Slot: 0, Attempt: 1, Bot: "Bot_0", Kind: protocol.KindChat},
		{Type: events.TypeStateChanged, Time: now, SwarmID: "s1", SessionID: "a", Slot: 0, Attempt: 1, Bot: "Bot_0", From: "authenticating", To: "failed", Reason: "auth_rejected"},
		{Type: events.TypeStateChanged, Time: now, SwarmID: "s1", SessionID: "b", Slot: 1, Attempt: 1, Bot: "Bot_1", From: "connecting", To: "failed", Reason: "timeout"},
		{Type: events.TypeStateChanged, Time: now, SwarmID: "s2", SessionID: "c", Slot: 0, Attempt: 1, Bot: "Bot_0", From: "connecting", To: "failed", Reason: "timeout"},
	}
	n, err := repo.Insert(ctx, evs)
	require.NoError(t, err)
	assert.Equal(t, int64(len(evs)), n)

	got, err := repo.ForSession(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, events.TypeOperationSent, got[1].Type)
	assert.Equal(t, protocol.KindChat, got[1].Kind)
	assert.Equal(t, "auth_rejected", got[2].Reason)
	assert.True(t, now.Equal(got[0].Time))

	failures, err := repo.FailuresByReason(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"auth_rejected": 1, "timeout": 1}, failures)

	deleted, err := repo.DeleteBefore(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(len(evs)), deleted)
}

func TestEventSink_PersistsThroughRepository(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	repo := postgres.NewEventRepository(pc.RawPool)

	sink := postgres.NewEventSink(repo, pc.Config.BatchSize, pc.Config.FlushInterval, nil, zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		sink.Record(events.Event{Type: events.TypeStateChanged, Time: time.Now(), SwarmID: "sink", SessionID: "x", Slot: i, To: "connecting"})
	}
	sink.Close()
	assert.Zero(t, sink.Failed())

	got, err := repo.ForSession(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, got, 10)
}
