package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sigil/internal/domain"
	"sigil/internal/protocol/wire"
)

// QueuedMessage is one envelope waiting for one recipient device.
type QueuedMessage struct {
	ID             domain.MessageID
	ConversationID domain.ConversationID
	From           domain.Address
	To             domain.Address
	Envelope       json.RawMessage
	SentAt         time.Time
}

// Frame returns the new_message frame delivering m.
func (m QueuedMessage) Frame() (domain.Frame, error) {
	return wire.NewFrame(domain.FrameNewMessage, domain.NewMessagePayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		From:           m.From,
		Envelope:       m.Envelope,
		SentAt:         m.SentAt,
	})
}

// Mailbox is the durable per-device offline queue and the receipt log.
type Mailbox interface {
	// Enqueue stores msgs. Re-enqueueing the same message for the same
	// device is a no-op.
	Enqueue(ctx context.Context, msgs []QueuedMessage) error
	// Pending returns what is queued for a device, oldest first.
	Pending(ctx context.Context, to domain.Address) ([]QueuedMessage, error)
	// Remove drops the queued copy of id for a device.
	Remove(ctx context.Context, id domain.MessageID, to domain.Address) error
	// ApplyReceipt records r unless a receipt of the same kind from the same
	// user exists for the message. It reports whether r was new and who sent
	// the message.
	ApplyReceipt(ctx context.Context, r domain.Receipt) (bool, domain.Address, error)
	Close() error
}

const mailboxSchema = `
CREATE TABLE IF NOT EXISTS messages (
	"id" TEXT NOT NULL PRIMARY KEY,
	"sender_user" TEXT NOT NULL,
	"sender_device" INTEGER NOT NULL,
	"conversation_id" TEXT NOT NULL DEFAULT '',
	"sent_at" INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS queued (
	"seq" INTEGER PRIMARY KEY AUTOINCREMENT,
	"message_id" TEXT NOT NULL,
	"user_id" TEXT NOT NULL,
	"device_id" INTEGER NOT NULL,
	"envelope" BLOB NOT NULL,
	UNIQUE("message_id", "user_id", "device_id"));
CREATE INDEX IF NOT EXISTS queued_recipient ON queued ("user_id", "device_id", "seq");
CREATE TABLE IF NOT EXISTS receipts (
	"message_id" TEXT NOT NULL,
	"user_id" TEXT NOT NULL,
	"device_id" INTEGER NOT NULL,
	"kind" TEXT NOT NULL,
	"created_at" INTEGER NOT NULL,
	UNIQUE("message_id", "user_id", "kind"));`

// SQLMailbox is a Mailbox in a SQLite database.
type SQLMailbox struct {
	db *sql.DB
}

// OpenSQLMailbox opens or creates the mailbox database at path. Use
// ":memory:" for a private in-memory database.
func OpenSQLMailbox(path string) (*SQLMailbox, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	// SQLite allows one writer; in-memory databases exist per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(mailboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create mailbox tables: %w", err)
	}
	return &SQLMailbox{db: db}, nil
}

// Close closes the database.
func (m *SQLMailbox) Close() error { return m.db.Close() }

// Enqueue implements Mailbox.
func (m *SQLMailbox) Enqueue(ctx context.Context, msgs []QueuedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (id, sender_user, sender_device, conversation_id, sent_at) VALUES (?, ?, ?, ?, ?)`,
			string(q.ID), string(q.From.User), int64(q.From.Device), string(q.ConversationID), q.SentAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("record message %s: %w", q.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queued (message_id, user_id, device_id, envelope) VALUES (?, ?, ?, ?)`,
			string(q.ID), string(q.To.User), int64(q.To.Device), []byte(q.Envelope),
		); err != nil {
			return fmt.Errorf("queue message %s for %s: %w", q.ID, q.To, err)
		}
	}
	return tx.Commit()
}

// Pending implements Mailbox.
func (m *SQLMailbox) Pending(ctx context.Context, to domain.Address) ([]QueuedMessage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT q.message_id, q.envelope, m.sender_user, m.sender_device, m.conversation_id, m.sent_at
		FROM queued q JOIN messages m ON m.id = q.message_id
		WHERE q.user_id = ? AND q.device_id = ?
		ORDER BY q.seq`,
		string(to.User), int64(to.Device))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var (
			q            QueuedMessage
			id, user     string
			conversation string
			device       int64
			sentAt       int64
			envelope     []byte
		)
		if err := rows.Scan(&id, &envelope, &user, &device, &conversation, &sentAt); err != nil {
			return nil, err
		}
		q.ID = domain.MessageID(id)
		q.ConversationID = domain.ConversationID(conversation)
		q.From = domain.Address{User: domain.UserID(user), Device: domain.DeviceID(device)}
		q.To = to
		q.Envelope = envelope
		q.SentAt = time.UnixMilli(sentAt).UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}

// Remove implements Mailbox.
func (m *SQLMailbox) Remove(ctx context.Context, id domain.MessageID, to domain.Address) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM queued WHERE message_id = ? AND user_id = ? AND device_id = ?`,
		string(id), string(to.User), int64(to.Device))
	return err
}

// ApplyReceipt implements Mailbox.
func (m *SQLMailbox) ApplyReceipt(ctx context.Context, r domain.Receipt) (bool, domain.Address, error) {
	if !r.Kind.Valid() {
		return false, domain.Address{}, fmt.Errorf("invalid receipt kind %q", r.Kind)
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO receipts (message_id, user_id, device_id, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(r.MessageID), string(r.User), int64(r.Device), string(r.Kind), at.UnixMilli())
	if err != nil {
		return false, domain.Address{}, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, domain.Address{}, err
	}

	var (
		user   string
		device int64
	)
	err = m.db.QueryRowContext(ctx,
		`SELECT sender_user, sender_device FROM messages WHERE id = ?`, string(r.MessageID),
	).Scan(&user, &device)
	if err == sql.ErrNoRows {
		return true, domain.Address{}, nil
	}
	if err != nil {
		return true, domain.Address{}, err
	}
	return true, domain.Address{User: domain.UserID(user), Device: domain.DeviceID(device)}, nil
}

// Compile-time assertion that SQLMailbox implements Mailbox.
var _ Mailbox = (*SQLMailbox)(nil)
