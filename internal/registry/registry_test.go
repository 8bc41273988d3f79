package registry

import (
	"errors"
	"sync"
	"testing"

	"pharmatrace/relay/internal/protocol"
)

type nopSender struct{}

func (nopSender) Send(protocol.Envelope) bool { return true }

type recordingObserver struct {
	mu      sync.Mutex
	added   []int
	removed []int
}

func (o *recordingObserver) ClientAdded(_ Client, sessions int) {
	o.mu.Lock()
	o.added = append(o.added, sessions)
	o.mu.Unlock()
}

func (o *recordingObserver) ClientRemoved(_ Client, sessions int) {
	o.mu.Lock()
	o.removed = append(o.removed, sessions)
	o.mu.Unlock()
}

func TestAddIndexesByUserAndRole(t *testing.T) {
	reg := New()
	mustAdd(t, reg, 1, "alice", protocol.RoleAdmin)
	mustAdd(t, reg, 2, "alice", protocol.RoleAdmin)
	mustAdd(t, reg, 3, "bob", protocol.RoleManufacturer)
	mustAdd(t, reg, 4, "carol", protocol.RoleConsumer)

	if got := len(reg.ByUser("alice")); got != 2 {
		t.Fatalf("alice sessions = %d, want 2", got)
	}
	if got := reg.CountByRole(protocol.RoleAdmin); got != 2 {
		t.Fatalf("admin count = %d, want 2", got)
	}
	if got := len(reg.ByRoles(protocol.ChatRoles()...)); got != 3 {
		t.Fatalf("chat audience = %d, want 3", got)
	}
	if got := reg.Count(); got != 4 {
		t.Fatalf("count = %d, want 4", got)
	}
	counts := reg.Counts()
	if counts[protocol.RoleConsumer] != 1 || counts[protocol.RoleManufacturer] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if c, ok := reg.GetByUser("bob"); !ok || c.ID != 3 {
		t.Fatalf("GetByUser(bob) = %+v, %v", c, ok)
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	reg := New()
	mustAdd(t, reg, 1, "alice", protocol.RoleAdmin)
	if _, err := reg.Add(1, "mallory", protocol.RoleAdmin, nopSender{}); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if c, _ := reg.Get(1); c.UserID != "alice" {
		t.Fatalf("duplicate add replaced entry: %+v", c)
	}
}

func TestRemoveIsIdempotentAndLeavesNoDanglingEntries(t *testing.T) {
	reg := New()
	mustAdd(t, reg, 1, "alice", protocol.RoleAdmin)

	if !reg.Remove(1) {
		t.Fatal("first remove should report true")
	}
	if reg.Remove(1) {
		t.Fatal("second remove should be a no-op")
	}
	if reg.Remove(99) {
		t.Fatal("removing an unknown id should be a no-op")
	}
	if _, ok := reg.Get(1); ok {
		t.Fatal("removed connection still returned by Get")
	}
	if len(reg.ByUser("alice")) != 0 || len(reg.ByRole(protocol.RoleAdmin)) != 0 || len(reg.All()) != 0 {
		t.Fatal("removed connection still visible through an index")
	}
	if _, ok := reg.Counts()[protocol.RoleAdmin]; ok {
		t.Fatal("empty role set should be dropped")
	}
}

func TestObserversSeeSessionCounts(t *testing.T) {
	obs := &recordingObserver{}
	reg := New(WithObserver(obs))
	mustAdd(t, reg, 1, "alice", protocol.RoleAdmin)
	mustAdd(t, reg, 2, "alice", protocol.RoleAdmin)
	reg.Remove(1)
	reg.Remove(1)
	reg.Remove(2)

	if len(obs.added) != 2 || obs.added[0] != 1 || obs.added[1] != 2 {
		t.Fatalf("unexpected added notifications %v", obs.added)
	}
	if len(obs.removed) != 2 || obs.removed[0] != 1 || obs.removed[1] != 0 {
		t.Fatalf("unexpected removed notifications %v", obs.removed)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id ConnectionID) {
			defer wg.Done()
			if _, err := reg.Add(id, "shared", protocol.RoleManufacturer, nopSender{}); err != nil {
				t.Errorf("add %d: %v", id, err)
				return
			}
			reg.ByRole(protocol.RoleManufacturer)
			reg.Remove(id)
			reg.Remove(id)
		}(ConnectionID(i + 1))
	}
	wg.Wait()
	if reg.Count() != 0 || reg.CountByRole(protocol.RoleManufacturer) != 0 {
		t.Fatalf("registry not empty after churn: %v", reg.Counts())
	}
}

func mustAdd(t *testing.T, reg *Registry, id ConnectionID, user string, role protocol.Role) {
	t.Helper()
	if _, err := reg.Add(id, user, role, nopSender{}); err != nil {
		t.Fatalf("add %d: %v", id, err)
	}
}
