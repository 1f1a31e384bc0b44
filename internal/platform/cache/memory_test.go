package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "session:access:abc", []byte(`{"a":1}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "session:access:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("unexpected value %s", got)
	}
}

func TestMemory_Miss(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()

	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
	ok, err := m.Exists(context.Background(), "nope")
	if err != nil || ok {
		t.Errorf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(0)
	defer m.Close()
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_ = m.Set(ctx, "blacklist:h", []byte("x"), 30*time.Second)
	if ok, _ := m.Exists(ctx, "blacklist:h"); !ok {
		t.Fatal("expected key present before expiry")
	}
	if ttl := m.TTL("blacklist:h"); ttl != 30*time.Second {
		t.Errorf("expected 30s TTL, got %s", ttl)
	}

	now = now.Add(31 * time.Second)
	if ok, _ := m.Exists(ctx, "blacklist:h"); ok {
		t.Error("expected key gone after expiry")
	}

	m.sweep()
	if m.Len() != 0 {
		t.Errorf("expected sweep to drop expired entry, %d left", m.Len())
	}
}

func TestMemory_NonPositiveTTLIsNoop(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	_ = m.Set(context.Background(), "k", []byte("v"), 0)
	if m.Len() != 0 {
		t.Error("zero TTL must not store")
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "a", []byte("1"), time.Minute)
	_ = m.Set(ctx, "b", []byte("2"), time.Minute)
	if err := m.Delete(ctx, "a", "b", "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("expected empty store, got %d", m.Len())
	}
}

func TestMemory_Outage(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	ctx := context.Background()

	m.SetAvailable(false)
	if m.Available() {
		t.Fatal("expected unavailable")
	}
	if err := m.Set(ctx, "k", []byte("v"), time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set: expected ErrUnavailable, got %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get: expected ErrUnavailable, got %v", err)
	}
	if _, err := m.Exists(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Exists: expected ErrUnavailable, got %v", err)
	}

	m.SetAvailable(true)
	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("expected recovery, got %v", err)
	}
}

func TestMemory_ReturnedValueIsCopy(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	ctx := context.Background()

	src := []byte("abc")
	_ = m.Set(ctx, "k", src, time.Minute)
	src[0] = 'z'
	got, _ := m.Get(ctx, "k")
	got[1] = 'z'
	again, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value was aliased: %s", again)
	}
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	m := NewMemory(time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			_ = m.Set(ctx, key, []byte("v"), time.Minute)
			_, _ = m.Get(ctx, key)
			_ = m.Delete(ctx, key)
		}(i)
	}
	wg.Wait()
}

func TestMemory_CloseIdempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}
