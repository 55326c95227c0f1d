package store

import (
	"database/sql"
	"errors"
	"path"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"pigeon/models"
)

// SQLiteStore keeps accounts and message history in SQLite so they survive
// restarts. AUTOINCREMENT guarantees message ids are never reused. The
// queued column marks inbox membership; delivered mirrors the push state.
type SQLiteStore struct {
	conn *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// A single connection avoids SQLITE_BUSY between concurrent writers;
	// it serializes statements, not multi-statement sequences, so those
	// still run inside transactions.
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			queued INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(recipient, queued, id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateAccount(username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	// A single INSERT leaves no window for two creates to race; the loser
	// hits the primary key constraint and that maps to the conflict error.
	_, err = s.conn.Exec(
		"INSERT INTO users (username, password) VALUES (?, ?)",
		username, string(hashed),
	)
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteStore) Authenticate(username, password string) error {
	var hashedPassword string
	err := s.conn.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx, so the existence and unread
// checks can run inside the transaction that acts on their result.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func accountExists(q querier, username string) (bool, error) {
	var count int
	err := q.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func unreadCount(q querier, username string) (int, error) {
	var count int
	err := q.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE recipient = ? AND queued = 1",
		username,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) AccountExists(username string) (bool, error) {
	return accountExists(s.conn, username)
}

func (s *SQLiteStore) MatchAccounts(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	rows, err := s.conn.Query("SELECT username FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, name)
		}
	}
	return matched, rows.Err()
}

func (s *SQLiteStore) DeleteAccount(username string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := accountExists(tx, username)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	pending, err := unreadCount(tx, username)
	if err != nil {
		return err
	}
	if pending > 0 {
		return ErrInboxNotEmpty
	}

	if _, err := tx.Exec("DELETE FROM users WHERE username = ?", username); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE sender = ? OR recipient = ?", username, username); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UnreadCount(username string) (int, error) {
	return unreadCount(s.conn, username)
}

func (s *SQLiteStore) SaveMessage(sender, recipient, body string, timestamp time.Time, delivered bool) (models.Message, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	exists, err := accountExists(tx, recipient)
	if err != nil {
		return models.Message{}, err
	}
	if !exists {
		return models.Message{}, ErrUserNotFound
	}

	queued := 0
	if !delivered {
		queued = 1
	}
	result, err := tx.Exec(
		"INSERT INTO messages (sender, recipient, body, timestamp, delivered, queued) VALUES (?, ?, ?, ?, ?, ?)",
		sender, recipient, body, timestamp.UTC().Format(time.RFC3339Nano), boolToInt(delivered), queued,
	)
	if err != nil {
		return models.Message{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}

	return models.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Timestamp: timestamp,
		Delivered: delivered,
	}, nil
}

func (s *SQLiteStore) Requeue(m models.Message) error {
	_, err := s.conn.Exec(
		"UPDATE messages SET queued = 1, delivered = 0 WHERE id = ?",
		m.ID,
	)
	return err
}

// DrainInbox pops queued messages in a transaction: two concurrent drains
// of the same inbox cannot hand out the same message twice.
func (s *SQLiteStore) DrainInbox(username string, limit int) ([]models.Message, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	exists, err := accountExists(tx, username)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := tx.Query(
		"SELECT id, sender, recipient, body, timestamp FROM messages WHERE recipient = ? AND queued = 1 ORDER BY id ASC LIMIT ?",
		username, limit,
	)
	if err != nil {
		return nil, err
	}
	drained, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(drained) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, 0, len(drained))
	for i := range drained {
		drained[i].Delivered = true
		ids = append(ids, drained[i].ID)
	}
	_, err = tx.Exec(
		"UPDATE messages SET queued = 0, delivered = 1 WHERE id IN ("+placeholders(len(ids))+")",
		ids...,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return drained, nil
}

func (s *SQLiteStore) DeleteMessages(username string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, username, username)

	_, err := s.conn.Exec(
		"DELETE FROM messages WHERE id IN ("+placeholders(len(ids))+") AND (sender = ? OR recipient = ?)",
		args...,
	)
	return err
}

func (s *SQLiteStore) Conversation(user, other string) ([]models.Message, error) {
	exists, err := s.AccountExists(other)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	rows, err := s.conn.Query(
		`SELECT id, sender, recipient, body, timestamp FROM messages
		 WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		 ORDER BY id ASC`,
		user, other, other, user,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &timestampStr); err != nil {
			return nil, err
		}
		timestamp, err := time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, err
		}
		m.Timestamp = timestamp
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
