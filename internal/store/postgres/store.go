// Package postgres is the pgx-backed store used when DATABASE_URL points at Postgres.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to connString, pings the server and applies the schema
func Open(ctx context.Context, connString string) (*Store, error) {
	if connString == "" {
		return nil, fmt.Errorf("database.url not configured")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) CreateMailbox(ctx context.Context, mb *models.Mailbox) error {
	now := time.Now().UTC()
	if mb.ID == "" {
		mb.ID = uuid.NewString()
	}
	if mb.Provider == "" {
		mb.Provider = models.ProviderMicrosoft
	}
	mb.CreatedAt, mb.UpdatedAt = now, now

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO mailboxes (id, address, name, provider, delta_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, mb.ID, mb.Address, mb.Name, string(mb.Provider), nullable(mb.DeltaToken), now, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: mailbox %s already exists", models.ErrValidation, mb.Address)
		}
		return fmt.Errorf("failed to insert mailbox: %w", err)
	}
	return nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*models.Mailbox, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, address, name, provider, delta_token, last_synced_at, created_at, updated_at
		FROM mailboxes WHERE id = $1
	`, id)
	mb, err := scanMailbox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mailbox %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox: %w", err)
	}
	return mb, nil
}

func (s *Store) ListMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, address, name, provider, delta_token, last_synced_at, created_at, updated_at
		FROM mailboxes ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []models.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, *mb)
	}
	return mailboxes, rows.Err()
}

func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM mailboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mailbox %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Store) ApplyDelta(ctx context.Context, mailboxID string, msgs []*models.Message, cursor string, syncedAt time.Time) ([]*models.Message, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	var created []*models.Message
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.MailboxID = mailboxID
		m.CreatedAt = now

		tag, err := tx.Exec(ctx, `
			INSERT INTO messages
			(id, mailbox_id, message_id, thread_id, direction, subject, body_text, body_html, sent_at, received_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (mailbox_id, message_id) DO NOTHING
		`, m.ID, mailboxID, m.MessageID, nullable(m.ThreadID), string(m.Direction), m.Subject,
			m.BodyText, m.BodyHTML, m.SentAt, m.ReceivedAt, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		batch := &pgx.Batch{}
		for i, p := range m.Participants {
			batch.Queue(`
				INSERT INTO message_participants (message_id, position, role, address, name)
				VALUES ($1, $2, $3, $4, $5)
			`, m.ID, i, string(p.Role), p.Address, p.Name)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return nil, fmt.Errorf("failed to insert participants: %w", err)
			}
		}
		created = append(created, m)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE mailboxes SET delta_token = $1, last_synced_at = $2, updated_at = $3 WHERE id = $4
	`, nullable(cursor), syncedAt, now, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("mailbox %s: %w", mailboxID, models.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func (s *Store) ListMessages(ctx context.Context, mailboxID string, q store.MessageQuery) ([]models.Message, error) {
	query := `
		SELECT id, mailbox_id, message_id, thread_id, direction, subject, body_text, body_html, sent_at, received_at, created_at
		FROM messages WHERE mailbox_id = $1`
	args := []interface{}{mailboxID}
	if q.ThreadID != "" {
		args = append(args, q.ThreadID)
		query += fmt.Sprintf(" AND thread_id = $%d", len(args))
	}
	args = append(args, store.ClampLimit(q.Limit), q.Offset)
	query += fmt.Sprintf(" ORDER BY received_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	index := make(map[string]int)
	ids := []string{}
	for rows.Next() {
		var (
			m         models.Message
			threadID  *string
			direction string
		)
		if err := rows.Scan(&m.ID, &m.MailboxID, &m.MessageID, &threadID, &direction, &m.Subject,
			&m.BodyText, &m.BodyHTML, &m.SentAt, &m.ReceivedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if threadID != nil {
			m.ThreadID = *threadID
		}
		m.Direction = models.Direction(direction)
		m.ReceivedAt = m.ReceivedAt.UTC()
		m.Participants = []models.Participant{}
		index[m.ID] = len(msgs)
		ids = append(ids, m.ID)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	prows, err := s.Pool.Query(ctx, `
		SELECT message_id, role, address, name FROM message_participants
		WHERE message_id = ANY($1)
		ORDER BY message_id, position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var id, role string
		var p models.Participant
		if err := prows.Scan(&id, &role, &p.Address, &p.Name); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Role = models.Role(role)
		i := index[id]
		msgs[i].Participants = append(msgs[i].Participants, p)
	}
	return msgs, prows.Err()
}

func (s *Store) ListThreads(ctx context.Context, mailboxID string) ([]models.ThreadSummary, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT thread_id, subject, message_count, latest FROM (
			SELECT DISTINCT ON (m.thread_id)
				m.thread_id, m.subject,
				COUNT(*) OVER (PARTITION BY m.thread_id) AS message_count,
				MAX(m.received_at) OVER (PARTITION BY m.thread_id) AS latest
			FROM messages m
			WHERE m.mailbox_id = $1 AND m.thread_id IS NOT NULL
			ORDER BY m.thread_id, m.received_at DESC
		) t
		ORDER BY latest DESC
	`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []models.ThreadSummary
	for rows.Next() {
		var t models.ThreadSummary
		var count int64
		if err := rows.Scan(&t.ThreadID, &t.Subject, &count, &t.LatestDate); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.MessageCount = int(count)
		t.LatestDate = t.LatestDate.UTC()
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *Store) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, err := s.GetMailbox(ctx, sub.MailboxID); err != nil {
		return err
	}
	sub.CreatedAt = time.Now().UTC()

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO subscriptions (id, mailbox_id, resource, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			mailbox_id = EXCLUDED.mailbox_id,
			resource = EXCLUDED.resource,
			expires_at = EXCLUDED.expires_at
	`, sub.ID, sub.MailboxID, sub.Resource, sub.ExpiresAt, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Store) MailboxForSubscription(ctx context.Context, subscriptionID string) (string, error) {
	var mailboxID string
	err := s.Pool.QueryRow(ctx, `SELECT mailbox_id FROM subscriptions WHERE id = $1`, subscriptionID).Scan(&mailboxID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("subscription %s: %w", subscriptionID, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve subscription: %w", err)
	}
	return mailboxID, nil
}

func (s *Store) AddNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload := string(n.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO notifications (id, recipient_type, recipient_id, type, topic, payload, created_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, n.ID, n.RecipientType, n.RecipientID, n.Type, n.Topic, payload, n.CreatedAt, n.ReadAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, q store.NotificationQuery) ([]models.Notification, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.RecipientType != "" {
		args = append(args, q.RecipientType)
		where = append(where, fmt.Sprintf("recipient_type = $%d", len(args)))
	}
	if q.RecipientID != "" {
		args = append(args, q.RecipientID)
		where = append(where, fmt.Sprintf("recipient_id = $%d", len(args)))
	}
	query := `SELECT id, recipient_type, recipient_id, type, topic, payload::text, created_at, read_at FROM notifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, store.ClampLimit(q.Limit), q.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var payload string
		if err := rows.Scan(&n.ID, &n.RecipientType, &n.RecipientID, &n.Type, &n.Topic, &payload, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Payload = []byte(payload)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE notifications SET read_at = COALESCE(read_at, $1) WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanMailbox(row pgx.Row) (*models.Mailbox, error) {
	var (
		mb         models.Mailbox
		provider   string
		deltaToken *string
	)
	if err := row.Scan(&mb.ID, &mb.Address, &mb.Name, &provider, &deltaToken, &mb.LastSyncedAt, &mb.CreatedAt, &mb.UpdatedAt); err != nil {
		return nil, err
	}
	mb.Provider = models.ProviderName(provider)
	if deltaToken != nil {
		mb.DeltaToken = *deltaToken
	}
	return &mb, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
