package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/assist-mailsync/internal/models"
	"github.com/Martian-dev/assist-mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite implementation of store.Store
type Store struct {
	DB *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at dbPath and applies the schema
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
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

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailboxes (id, address, name, provider, delta_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, mb.ID, mb.Address, mb.Name, string(mb.Provider), nullString(mb.DeltaToken), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: mailbox %s already exists", models.ErrValidation, mb.Address)
		}
		return fmt.Errorf("failed to insert mailbox: %w", err)
	}
	return nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*models.Mailbox, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, address, name, provider, delta_token, last_synced_at, created_at, updated_at
		FROM mailboxes WHERE id = ?
	`, id)

	mb, err := scanMailbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mailbox %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox: %w", err)
	}
	return mb, nil
}

func (s *Store) ListMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	rows, err := s.DB.QueryContext(ctx, `
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
	res, err := s.DB.ExecContext(ctx, `DELETE FROM mailboxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mailbox %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *Store) ApplyDelta(ctx context.Context, mailboxID string, msgs []*models.Message, cursor string, syncedAt time.Time) ([]*models.Message, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var created []*models.Message
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.MailboxID = mailboxID
		m.CreatedAt = now

		// UNIQUE(mailbox_id, message_id) turns a re-delivered message into a no-op
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages
			(id, mailbox_id, message_id, thread_id, direction, subject, body_text, body_html, sent_at, received_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (mailbox_id, message_id) DO NOTHING
		`, m.ID, mailboxID, m.MessageID, nullString(m.ThreadID), string(m.Direction), m.Subject,
			m.BodyText, m.BodyHTML, nullMillis(m.SentAt), m.ReceivedAt.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		for i, p := range m.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_participants (message_id, position, role, address, name)
				VALUES (?, ?, ?, ?, ?)
			`, m.ID, i, string(p.Role), p.Address, p.Name); err != nil {
				return nil, fmt.Errorf("failed to insert participant: %w", err)
			}
		}
		created = append(created, m)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mailboxes SET delta_token = ?, last_synced_at = ?, updated_at = ? WHERE id = ?
	`, nullString(cursor), syncedAt.UnixMilli(), now.UnixMilli(), mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("mailbox %s: %w", mailboxID, models.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func (s *Store) ListMessages(ctx context.Context, mailboxID string, q store.MessageQuery) ([]models.Message, error) {
	query := `
		SELECT id, mailbox_id, message_id, thread_id, direction, subject, body_text, body_html, sent_at, received_at, created_at
		FROM messages WHERE mailbox_id = ?`
	args := []interface{}{mailboxID}
	if q.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, q.ThreadID)
	}
	query += " ORDER BY received_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, store.ClampLimit(q.Limit), q.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	index := make(map[string]int)
	for rows.Next() {
		var (
			m                         models.Message
			threadID                  sql.NullString
			direction                 string
			sentAt                    sql.NullInt64
			receivedAt, createdAtMsec int64
		)
		if err := rows.Scan(&m.ID, &m.MailboxID, &m.MessageID, &threadID, &direction, &m.Subject,
			&m.BodyText, &m.BodyHTML, &sentAt, &receivedAt, &createdAtMsec); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ThreadID = threadID.String
		m.Direction = models.Direction(direction)
		m.SentAt = fromNullMillis(sentAt)
		m.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		m.CreatedAt = time.UnixMilli(createdAtMsec).UTC()
		m.Participants = []models.Participant{}
		index[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	if err := s.loadParticipants(ctx, msgs, index); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) loadParticipants(ctx context.Context, msgs []models.Message, index map[string]int) error {
	placeholders := make([]string, len(msgs))
	args := make([]interface{}, len(msgs))
	for i, m := range msgs {
		placeholders[i] = "?"
		args[i] = m.ID
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT message_id, role, address, name FROM message_participants
		WHERE message_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY message_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, role string
		var p models.Participant
		if err := rows.Scan(&id, &role, &p.Address, &p.Name); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Role = models.Role(role)
		i := index[id]
		msgs[i].Participants = append(msgs[i].Participants, p)
	}
	return rows.Err()
}

func (s *Store) ListThreads(ctx context.Context, mailboxID string) ([]models.ThreadSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT m.thread_id, COUNT(*), MAX(m.received_at),
			(SELECT l.subject FROM messages l
			 WHERE l.mailbox_id = m.mailbox_id AND l.thread_id = m.thread_id
			 ORDER BY l.received_at DESC LIMIT 1)
		FROM messages m
		WHERE m.mailbox_id = ? AND m.thread_id IS NOT NULL
		GROUP BY m.thread_id
		ORDER BY MAX(m.received_at) DESC
	`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []models.ThreadSummary
	for rows.Next() {
		var t models.ThreadSummary
		var latest int64
		if err := rows.Scan(&t.ThreadID, &t.MessageCount, &latest, &t.Subject); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.LatestDate = time.UnixMilli(latest).UTC()
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *Store) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, err := s.GetMailbox(ctx, sub.MailboxID); err != nil {
		return err
	}
	sub.CreatedAt = time.Now().UTC()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (id, mailbox_id, resource, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mailbox_id = excluded.mailbox_id,
			resource = excluded.resource,
			expires_at = excluded.expires_at
	`, sub.ID, sub.MailboxID, sub.Resource, nullMillis(sub.ExpiresAt), sub.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Store) MailboxForSubscription(ctx context.Context, subscriptionID string) (string, error) {
	var mailboxID string
	err := s.DB.QueryRowContext(ctx, `SELECT mailbox_id FROM subscriptions WHERE id = ?`, subscriptionID).Scan(&mailboxID)
	if errors.Is(err, sql.ErrNoRows) {
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

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_type, recipient_id, type, topic, payload, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.RecipientType, n.RecipientID, n.Type, n.Topic, payload, n.CreatedAt.UnixMilli(), nullMillis(n.ReadAt))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, q store.NotificationQuery) ([]models.Notification, error) {
	query := `SELECT id, recipient_type, recipient_id, type, topic, payload, created_at, read_at FROM notifications WHERE 1=1`
	var args []interface{}
	if q.RecipientType != "" {
		query += " AND recipient_type = ?"
		args = append(args, q.RecipientType)
	}
	if q.RecipientID != "" {
		query += " AND recipient_id = ?"
		args = append(args, q.RecipientID)
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, store.ClampLimit(q.Limit), q.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var (
			n         models.Notification
			payload   string
			createdAt int64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.RecipientType, &n.RecipientID, &n.Type, &n.Topic, &payload, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Payload = []byte(payload)
		n.CreatedAt = time.UnixMilli(createdAt).UTC()
		n.ReadAt = fromNullMillis(readAt)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ?
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMailbox(row scanner) (*models.Mailbox, error) {
	var (
		mb                   models.Mailbox
		provider             string
		deltaToken           sql.NullString
		lastSynced           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&mb.ID, &mb.Address, &mb.Name, &provider, &deltaToken, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	mb.Provider = models.ProviderName(provider)
	mb.DeltaToken = deltaToken.String
	mb.LastSyncedAt = fromNullMillis(lastSynced)
	mb.CreatedAt = time.UnixMilli(createdAt).UTC()
	mb.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &mb, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
