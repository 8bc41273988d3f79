package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgresConversationRoundTrip(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	tick := 0
	pg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	//1.- Unique user ids keep repeated runs against the same database independent.
	alice, bob := "alice-"+uuid.NewString(), "bob-"+uuid.NewString()
	var want []string
	for i := 0; i < 4; i++ {
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		body := fmt.Sprintf("pg message %d", i)
		if _, err := pg.SaveChatMessage(ctx, ChatMessageInput{SenderID: from, RecipientID: &to, Body: body}); err != nil {
			t.Fatalf("save: %v", err)
		}
		want = append(want, body)
	}

	history, err := pg.LoadChatHistory(ctx, HistoryQuery{UserID: bob, PeerID: alice})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != len(want) {
		t.Fatalf("history length = %d, want %d", len(history), len(want))
	}
	for i, msg := range history {
		if msg.Body != want[i] {
			t.Fatalf("history[%d] = %q, want %q", i, msg.Body, want[i])
		}
	}
}

func TestPostgresFindUserAndBatchLocation(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()

	id := "user-" + uuid.NewString()
	if _, err := pg.pool.Exec(ctx, `INSERT INTO users (id, name, email, role, is_active) VALUES ($1, 'Pat', 'pat@example.com', 'manufacturer', false)`, id); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	u, err := pg.FindUser(ctx, id)
	if err != nil || u == nil {
		t.Fatalf("FindUser = %+v, %v", u, err)
	}
	if u.Role != "MANUFACTURER" || u.IsActive {
		t.Fatalf("unexpected user %+v", u)
	}
	if u, err := pg.FindUser(ctx, "missing-"+uuid.NewString()); u != nil || err != nil {
		t.Fatalf("missing user should be (nil, nil), got %+v, %v", u, err)
	}

	batch := "batch-" + uuid.NewString()
	if err := pg.UpdateBatchLocation(ctx, batch, "wh-1"); err != ErrBatchNotFound {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
	if _, err := pg.pool.Exec(ctx, `INSERT INTO batches (id) VALUES ($1)`, batch); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	if err := pg.UpdateBatchLocation(ctx, batch, "wh-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestPostgresInboxCanExcludeBroadcasts(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()

	shopper, maker := "shopper-"+uuid.NewString(), "maker-"+uuid.NewString()
	if _, err := pg.SaveChatMessage(ctx, ChatMessageInput{SenderID: maker, Body: "staff only"}); err != nil {
		t.Fatalf("save broadcast: %v", err)
	}
	if _, err := pg.SaveChatMessage(ctx, ChatMessageInput{SenderID: maker, RecipientID: &shopper, Body: "your order"}); err != nil {
		t.Fatalf("save directed: %v", err)
	}

	history, err := pg.LoadChatHistory(ctx, HistoryQuery{UserID: shopper, ExcludeBroadcasts: true, Limit: MaxHistoryLimit})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != 1 || history[0].Body != "your order" {
		t.Fatalf("expected only the directed message, got %+v", history)
	}
}
