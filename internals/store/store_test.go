package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/beamdrop/broker/internals/metrics"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewWithClient(client, 24*time.Hour, zap.NewNop()), mr
}

func TestCreateSessionAndOwner(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, "room1", "owner-conn"))

	owner, err := st.Owner(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, "owner-conn", owner)

	ttl := mr.TTL(RoomKey("room1"))
	require.Equal(t, 24*time.Hour, ttl)
}

func TestCreateSessionClearsStaleKeys(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	mr.SetAdd(RoomActiveKey("room1"), "stale-peer")
	mr.Lpush(RoomQueueKey("room1"), "stale-waiter")

	require.NoError(t, st.CreateSession(ctx, "room1", "owner-conn"))

	require.False(t, mr.Exists(RoomActiveKey("room1")))
	require.False(t, mr.Exists(RoomQueueKey("room1")))
}

func TestOwnerNotFound(t *testing.T) {
	st, _ := newTestStore(t)

	_, err := st.Owner(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAdmitFillsSlotsThenQueues(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	r1, err := st.Admit(ctx, "room1", "p1", 2)
	require.NoError(t, err)
	require.True(t, r1.Active)

	r2, err := st.Admit(ctx, "room1", "p2", 2)
	require.NoError(t, err)
	require.True(t, r2.Active)

	r3, err := st.Admit(ctx, "room1", "p3", 2)
	require.NoError(t, err)
	require.False(t, r3.Active)
	require.Equal(t, 1, r3.Position)

	r4, err := st.Admit(ctx, "room1", "p4", 2)
	require.NoError(t, err)
	require.False(t, r4.Active)
	require.Equal(t, 2, r4.Position)

	count, err := st.ActiveCount(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestAdmitNeverExceedsLimit(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := st.Admit(ctx, "room1", string(rune('a'+i)), 3)
		require.NoError(t, err)

		members, _ := mr.Members(RoomActiveKey("room1"))
		require.LessOrEqual(t, len(members), 3)
	}

	count, err := st.ActiveCount(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestAdmitNeverInBothSets(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := st.Admit(ctx, "room1", id, 2)
		require.NoError(t, err)
	}

	active, _ := mr.Members(RoomActiveKey("room1"))
	queued, _ := mr.List(RoomQueueKey("room1"))

	seen := make(map[string]bool)
	for _, id := range active {
		seen[id] = true
	}
	for _, id := range queued {
		require.False(t, seen[id], "connection %s is both active and queued", id)
	}
}

func TestDepartPromotesOldestQueued(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		_, err := st.Admit(ctx, "room1", id, 2)
		require.NoError(t, err)
	}

	dep, err := st.Depart(ctx, "room1", "p1")
	require.NoError(t, err)
	require.True(t, dep.WasActive)
	require.Equal(t, "p3", dep.Promoted)

	promoted, err := mr.IsMember(RoomActiveKey("room1"), "p3")
	require.NoError(t, err)
	require.True(t, promoted)
	gone, err := mr.IsMember(RoomActiveKey("room1"), "p1")
	require.NoError(t, err)
	require.False(t, gone)

	queue, _ := mr.List(RoomQueueKey("room1"))
	require.Equal(t, []string{"p4"}, queue)
}

func TestDepartActiveWithEmptyQueue(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, err := st.Admit(ctx, "room1", "p1", 2)
	require.NoError(t, err)

	dep, err := st.Depart(ctx, "room1", "p1")
	require.NoError(t, err)
	require.True(t, dep.WasActive)
	require.Empty(t, dep.Promoted)

	count, err := st.ActiveCount(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestDepartQueuedPeer(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		_, err := st.Admit(ctx, "room1", id, 2)
		require.NoError(t, err)
	}

	dep, err := st.Depart(ctx, "room1", "p3")
	require.NoError(t, err)
	require.False(t, dep.WasActive)
	require.Empty(t, dep.Promoted)

	// Active set untouched, other queue members unaffected
	count, _ := st.ActiveCount(ctx, "room1")
	require.Equal(t, 2, count)
	queue, _ := mr.List(RoomQueueKey("room1"))
	require.Equal(t, []string{"p4"}, queue)
}

func TestDepartUnknownConnection(t *testing.T) {
	st, _ := newTestStore(t)

	dep, err := st.Depart(context.Background(), "room1", "ghost")
	require.NoError(t, err)
	require.False(t, dep.WasActive)
	require.Empty(t, dep.Promoted)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	pos, err := st.Enqueue(ctx, "room1", "first")
	require.NoError(t, err)
	require.Equal(t, 1, pos)

	pos, err = st.Enqueue(ctx, "room1", "second")
	require.NoError(t, err)
	require.Equal(t, 2, pos)

	head, err := st.DequeueOldest(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, "first", head)

	head, err = st.DequeueOldest(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, "second", head)

	head, err = st.DequeueOldest(ctx, "room1")
	require.NoError(t, err)
	require.Empty(t, head)
}

func TestRemoveActiveReportsMembership(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddActive(ctx, "room1", "p1"))

	removed, err := st.RemoveActive(ctx, "room1", "p1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = st.RemoveActive(ctx, "room1", "p1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestRemoveFromQueue(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := st.Enqueue(ctx, "room1", id)
		require.NoError(t, err)
	}

	require.NoError(t, st.RemoveFromQueue(ctx, "room1", "p2"))

	queue, _ := mr.List(RoomQueueKey("room1"))
	require.Equal(t, []string{"p1", "p3"}, queue)

	// Removing an absent connection is a no-op
	require.NoError(t, st.RemoveFromQueue(ctx, "room1", "ghost"))
}

func TestDestroySessionRemovesAllKeys(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, "room1", "owner-conn"))
	_, err := st.Admit(ctx, "room1", "p1", 1)
	require.NoError(t, err)
	_, err = st.Admit(ctx, "room1", "p2", 1)
	require.NoError(t, err)

	require.NoError(t, st.DestroySession(ctx, "room1"))

	require.False(t, mr.Exists(RoomKey("room1")))
	require.False(t, mr.Exists(RoomActiveKey("room1")))
	require.False(t, mr.Exists(RoomQueueKey("room1")))

	_, err = st.Owner(ctx, "room1")
	require.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestExpiredSessionIsGone(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, "room1", "owner-conn"))

	mr.FastForward(25 * time.Hour)

	_, err := st.Owner(ctx, "room1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreOpsObserveLatency(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	before := storeLatencySampleCount(t)

	require.NoError(t, st.CreateSession(ctx, "room1", "owner-conn"))
	_, err := st.Admit(ctx, "room1", "p1", 2)
	require.NoError(t, err)

	require.Greater(t, storeLatencySampleCount(t), before)
}

func storeLatencySampleCount(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.StoreLatencyMs.Write(&m))
	return m.GetHistogram().GetSampleCount()
}
