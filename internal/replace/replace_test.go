package replace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ringkv/internal/clock"
)

func TestStatePushPopFinishes(t *testing.T) {
	s := &State{}
	s.Reset("mgr", 5)

	s.PushOffer()
	s.PushOffer()
	require.False(t, s.IsFinished(5))

	require.False(t, s.PopOffer(5))
	require.True(t, s.PopOffer(5))
	require.True(t, s.IsFinished(5))
}

func TestStatePopOfferIgnoresStaleClockTime(t *testing.T) {
	s := &State{}
	s.Reset("mgr", 5)
	s.PushOffer()

	require.False(t, s.PopOffer(4)) // stale round, ignored
	require.False(t, s.IsFinished(5))

	require.True(t, s.PopOffer(5))
}

func TestStateInvalidateForcesFinished(t *testing.T) {
	s := &State{}
	s.Reset("mgr", 5)
	s.PushOffer()
	s.Invalidate()

	_, _, pushWaiting, phase := s.Snapshot()
	require.Equal(t, 0, pushWaiting)
	require.Equal(t, PhaseFinished, phase)
}

func TestStateFinishIfIdle(t *testing.T) {
	s := &State{}
	s.Reset("mgr", 7)

	// An empty copy scan finishes immediately, and only once.
	require.True(t, s.FinishIfIdle(7))
	require.False(t, s.FinishIfIdle(7))

	s.Reset("mgr", 8)
	s.PushOffer()
	require.False(t, s.FinishIfIdle(8)) // push still pending
	require.True(t, s.PopOffer(8))
	require.False(t, s.FinishIfIdle(8)) // PopOffer already transitioned
}

func TestOfferStorageAppendAndFlush(t *testing.T) {
	storage, err := NewOfferStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, storage.Append("node-a:1234", offerRecord{Key: "k1", Value: []byte("v1"), Stamp: clock.Time(1)}))
	require.NoError(t, storage.Append("node-a:1234", offerRecord{Key: "k2", Value: []byte("v2"), Stamp: clock.Time(2)}))

	recs, err := storage.Flush("node-a:1234")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "k1", recs[0].Key)
	require.Equal(t, "k2", recs[1].Key)

	again, err := storage.Flush("node-a:1234")
	require.NoError(t, err)
	require.Empty(t, again)
}
