package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/registry"
)

type fakeBackend struct {
	mu          sync.Mutex
	sets        map[string][]string
	ttls        map[string]time.Duration
	calls       int
	failReplace error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sets: make(map[string][]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeBackend) Replace(_ context.Context, key string, members []string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failReplace != nil {
		return f.failReplace
	}
	f.sets[key] = append([]string(nil), members...)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	delete(f.sets, key)
	delete(f.ttls, key)
	return nil
}

func (f *fakeBackend) Members(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets[key]...), nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestMirror(backend Backend, opts ...Option) (*Mirror, *registry.Registry) {
	opts = append([]Option{WithTTL(time.Minute), WithLogger(logging.NewTestLogger())}, opts...)
	mirror := NewMirror(backend, opts...)
	return mirror, registry.New(registry.WithObserver(mirror))
}

// drain applies every queued update without blocking.
func drain(ctx context.Context, m *Mirror, reg *registry.Registry) {
	for {
		select {
		case userID := <-m.queue:
			m.Sync(ctx, reg, userID)
		default:
			return
		}
	}
}

func TestMirrorTracksSessions(t *testing.T) {
	fake := newFakeBackend()
	mirror, reg := newTestMirror(fake)
	ctx := context.Background()

	reg.Add(7, "alice", protocol.RoleAdmin, nil)
	reg.Add(9, "alice", protocol.RoleAdmin, nil)
	drain(ctx, mirror, reg)

	ids, online, err := mirror.Online(ctx, "alice")
	if err != nil || !online || len(ids) != 2 || ids[0] != "7" || ids[1] != "9" {
		t.Fatalf("Online = %v, %v, %v", ids, online, err)
	}
	if fake.ttls["relay:presence:alice"] != time.Minute {
		t.Fatalf("ttl not applied: %v", fake.ttls)
	}

	reg.Remove(7)
	drain(ctx, mirror, reg)
	ids, _, _ = mirror.Online(ctx, "alice")
	if len(ids) != 1 || ids[0] != "9" {
		t.Fatalf("after first remove ids = %v", ids)
	}

	reg.Remove(9)
	drain(ctx, mirror, reg)
	if _, online, _ := mirror.Online(ctx, "alice"); online {
		t.Fatal("user should be offline after last session closed")
	}
	if _, ok := fake.sets["relay:presence:alice"]; ok {
		t.Fatal("presence key should be deleted with the last session")
	}
}

func TestObserverCallbacksNeverWaitOnRedis(t *testing.T) {
	fake := newFakeBackend()
	_, reg := newTestMirror(fake)

	reg.Add(1, "alice", protocol.RoleAdmin, nil)
	reg.Remove(1)
	if got := fake.callCount(); got != 0 {
		t.Fatalf("registry callbacks reached the backend %d times", got)
	}
}

func TestInterleavedSessionChurnConvergesOnRegistry(t *testing.T) {
	fake := newFakeBackend()
	mirror, reg := newTestMirror(fake)
	ctx := context.Background()

	//1.- The last session leaves while a new one arrives; both updates are queued.
	reg.Add(1, "alice", protocol.RoleManufacturer, nil)
	reg.Remove(1)
	reg.Add(2, "alice", protocol.RoleManufacturer, nil)
	drain(ctx, mirror, reg)

	ids, online, _ := mirror.Online(ctx, "alice")
	if !online || len(ids) != 1 || ids[0] != "2" {
		t.Fatalf("expected only session 2 online, got %v", ids)
	}
}

func TestRefreshRestoresKeyDeletedAfterLateAdd(t *testing.T) {
	fake := newFakeBackend()
	mirror, reg := newTestMirror(fake)
	ctx := context.Background()

	reg.Add(5, "alice", protocol.RoleAdmin, nil)
	drain(ctx, mirror, reg)

	//1.- A delete for an earlier session lands after the add was written.
	if err := fake.Delete(ctx, presenceKey("alice")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, online, _ := mirror.Online(ctx, "alice"); online {
		t.Fatal("precondition: key should be gone")
	}

	mirror.Refresh(ctx, reg)
	ids, online, _ := mirror.Online(ctx, "alice")
	if !online || len(ids) != 1 || ids[0] != "5" {
		t.Fatalf("refresh should rewrite the set from the registry, got %v", ids)
	}
}

func TestRefreshClearsUsersWhoseRemovalWasLost(t *testing.T) {
	fake := newFakeBackend()
	mirror, reg := newTestMirror(fake)
	ctx := context.Background()

	reg.Add(3, "bob", protocol.RoleManufacturer, nil)
	drain(ctx, mirror, reg)
	reg.Remove(3)
	<-mirror.queue

	mirror.Refresh(ctx, reg)
	if _, online, _ := mirror.Online(ctx, "bob"); online {
		t.Fatal("bob left the registry and should be cleared by refresh")
	}
}

func TestQueueOverflowSchedulesFullResync(t *testing.T) {
	fake := newFakeBackend()
	mirror, reg := newTestMirror(fake, WithQueueSize(1))
	ctx := context.Background()

	reg.Add(1, "alice", protocol.RoleAdmin, nil)
	reg.Add(2, "bob", protocol.RoleAdmin, nil)
	if !mirror.overflowed() {
		t.Fatal("second update should overflow a queue of one")
	}

	mirror.Refresh(ctx, reg)
	for _, user := range []string{"alice", "bob"} {
		if _, online, _ := mirror.Online(ctx, user); !online {
			t.Fatalf("%s should be online after resync", user)
		}
	}
	if mirror.overflowed() {
		t.Fatal("resync should clear the overflow flag")
	}
}

func TestMirrorSwallowsWriteFailures(t *testing.T) {
	fake := newFakeBackend()
	fake.failReplace = errors.New("redis down")
	mirror, reg := newTestMirror(fake)

	if _, err := reg.Add(1, "bob", protocol.RoleManufacturer, nil); err != nil {
		t.Fatalf("registry add must not fail when redis does: %v", err)
	}
	drain(context.Background(), mirror, reg)
	if reg.Count() != 1 {
		t.Fatal("connection should still be registered")
	}
}

func TestRunAppliesQueuedUpdates(t *testing.T) {
	fake := newFakeBackend()
	mirror, reg := newTestMirror(fake)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mirror.Run(ctx, reg)
		close(done)
	}()

	reg.Add(11, "carol", protocol.RoleAdmin, nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, online, _ := mirror.Online(context.Background(), "carol"); online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not apply the queued update")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
