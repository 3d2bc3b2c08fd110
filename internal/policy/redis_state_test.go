package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupStateStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStateStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create state store: %v", err)
	}
	return store, s
}

func TestGetMissingReturnsZeroState(t *testing.T) {
	store, s := setupStateStore(t)
	defer store.Close()
	defer s.Close()

	st, err := store.Get(context.Background(), "ida", "presence")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !st.LastChangeAt.IsZero() || st.PrevBand != nil {
		t.Errorf("expected zero state, got %+v", st)
	}
}

func TestMarkChangedRoundTrip(t *testing.T) {
	store, s := setupStateStore(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	at := time.Date(2025, 6, 14, 20, 0, 0, 0, time.UTC)
	band := 3
	if err := store.MarkChanged(ctx, "ida", "presence", at, &band); err != nil {
		t.Fatalf("MarkChanged failed: %v", err)
	}

	st, err := store.Get(ctx, "ida", "presence")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !st.LastChangeAt.Equal(at) {
		t.Errorf("last change at: got %v, want %v", st.LastChangeAt, at)
	}
	if st.PrevBand == nil || *st.PrevBand != 3 {
		t.Errorf("prev band: got %v, want 3", st.PrevBand)
	}
}

func TestStateIsPerIdentityAndClass(t *testing.T) {
	store, s := setupStateStore(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)
	if err := store.MarkChanged(ctx, "ida", "presence", at, nil); err != nil {
		t.Fatalf("MarkChanged failed: %v", err)
	}

	other, err := store.Get(ctx, "ida", "music-switch")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !other.LastChangeAt.IsZero() {
		t.Error("state must not leak across classes")
	}

	stranger, err := store.Get(ctx, "idb", "presence")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stranger.LastChangeAt.IsZero() {
		t.Error("state must not leak across identities")
	}
}

func TestStateExpires(t *testing.T) {
	store, s := setupStateStore(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.MarkChanged(ctx, "ida", "presence", time.Now(), nil); err != nil {
		t.Fatalf("MarkChanged failed: %v", err)
	}

	s.FastForward(25 * time.Hour)

	st, err := store.Get(ctx, "ida", "presence")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !st.LastChangeAt.IsZero() {
		t.Error("state should age out after the TTL")
	}
}
