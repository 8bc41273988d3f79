package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"pharmatrace/relay/internal/protocol"
)

const (
	findUserSQL = `SELECT id, name, email, role, is_active FROM users WHERE id = $1`

	insertChatSQL = `
		INSERT INTO chat_messages (id, sender_id, recipient_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	conversationSQL = `
		SELECT id, sender_id, recipient_id, body, created_at FROM chat_messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4`

	inboxSQL = `
		SELECT id, sender_id, recipient_id, body, created_at FROM chat_messages
		WHERE sender_id = $1 OR recipient_id = $1 OR recipient_id IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	directInboxSQL = `
		SELECT id, sender_id, recipient_id, body, created_at FROM chat_messages
		WHERE recipient_id IS NOT NULL AND (sender_id = $1 OR recipient_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	updateBatchSQL = `UPDATE batches SET current_warehouse_id = $2, updated_at = NOW() WHERE id = $1`
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
	now  func() time.Time
}

// OpenPostgres connects a pool to dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "store: ping postgres")
	}
	return &Postgres{pool: pool, dsn: dsn, now: time.Now}, nil
}

// EnsureSchema brings the database up to the latest embedded migration.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(Migrate(p.dsn, MigrateUp), "store: apply migrations")
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// FindUser returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (p *Postgres) FindUser(ctx context.Context, id string) (*User, error) {
	var (
		u    User
		role string
	)
	err := p.pool.QueryRow(ctx, findUserSQL, id).Scan(&u.ID, &u.Name, &u.Email, &role, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "store: find user %s", id)
	}
	u.Role = protocol.ParseRole(role)
	return &u, nil
}

func (p *Postgres) SaveChatMessage(ctx context.Context, in ChatMessageInput) (string, error) {
	if err := validateInput(in); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, err := p.pool.Exec(ctx, insertChatSQL, id, in.SenderID, in.RecipientID, in.Body, p.now().UTC()); err != nil {
		return "", errors.Wrap(err, "store: insert chat message")
	}
	return id, nil
}

func (p *Postgres) LoadChatHistory(ctx context.Context, q HistoryQuery) ([]ChatMessage, error) {
	q = q.Normalise()
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case q.PeerID != "":
		rows, err = p.pool.Query(ctx, conversationSQL, q.UserID, q.PeerID, q.Limit, q.Offset)
	case q.ExcludeBroadcasts:
		rows, err = p.pool.Query(ctx, directInboxSQL, q.UserID, q.Limit, q.Offset)
	default:
		rows, err = p.pool.Query(ctx, inboxSQL, q.UserID, q.Limit, q.Offset)
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: query chat history")
	}
	defer rows.Close()

	out := make([]ChatMessage, 0, q.Limit)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store: scan chat message")
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "store: iterate chat history")
	}
	return out, nil
}

func (p *Postgres) UpdateBatchLocation(ctx context.Context, batchID, warehouseID string) error {
	tag, err := p.pool.Exec(ctx, updateBatchSQL, batchID, warehouseID)
	if err != nil {
		return errors.Wrapf(err, "store: update batch %s location", batchID)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}
