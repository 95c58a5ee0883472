package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"easyagent-client/internal/model"
	"easyagent-client/pkg/logger"
)

// SQLiteStorage 会话与消息分表存储，消息完整内容以 JSON 形式保存在 data 列
type SQLiteStorage struct {
	dbPath string
	db     *sql.DB
}

func NewSQLiteStorage(dbPath string) *SQLiteStorage {
	return &SQLiteStorage{dbPath: dbPath}
}

func (s *SQLiteStorage) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("%w: create database directory: %v", ErrStorageInit, err)
	}

	dsn := s.dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: open database: %v", ErrStorageInit, err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("%w: ping database: %v", ErrStorageInit, err)
	}

	s.db = db
	if err := s.initSchema(); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("SQLite storage initialized at %s", s.dbPath)
	return nil
}

func (s *SQLiteStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backup 用 VACUUM INTO 生成数据库快照
func (s *SQLiteStorage) Backup() error {
	dst := fmt.Sprintf("%s.backup_%d", s.dbPath, time.Now().UnixNano())
	if _, err := s.db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	logger.Infof("Backup completed: %s", dst)
	return nil
}

func (s *SQLiteStorage) CreateSession(session *model.Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	return s.writeSession(session, true)
}

func (s *SQLiteStorage) UpdateSession(session *model.Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	return s.writeSession(session, false)
}

// writeSession 在一个事务里写会话行并整体替换消息
func (s *SQLiteStorage) writeSession(session *model.Session, create bool) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	createdAt, updatedAt := session.CreatedAt, session.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	if create {
		_, err = tx.Exec(`
		INSERT INTO conversations (session_id, title, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
			session.ID, session.Title, len(session.Messages), createdAt.UnixMilli(), updatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	} else {
		var result sql.Result
		result, err = tx.Exec(`UPDATE conversations SET title = ?, message_count = ?, updated_at = ? WHERE session_id = ?`,
			session.Title, len(session.Messages), updatedAt.UnixMilli(), session.ID)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		var rows int64
		if rows, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrSessionNotFound
		}
	}

	if _, err = tx.Exec(`DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i := range session.Messages {
		if err = insertMessage(tx, session.ID, i, &session.Messages[i]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertMessage(tx *sql.Tx, sessionID string, seq int, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	createdAt := msg.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.Exec(`
	INSERT INTO messages (id, session_id, seq, role, content, data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, seq, string(msg.Role), msg.Content, string(data), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSession(sessionID string) (*model.Session, error) {
	row := s.db.QueryRow(`
		SELECT session_id, title, created_at, updated_at
		FROM conversations WHERE session_id = ?`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	session.Messages, err = s.loadMessages(sessionID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var session model.Session
	var createdAt, updatedAt int64
	if err := row.Scan(&session.ID, &session.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

func (s *SQLiteStorage) loadMessages(sessionID string) ([]model.Message, error) {
	rows, err := s.db.Query(`SELECT data FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStorage) DeleteSession(sessionID string) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	result, err := tx.Exec(`DELETE FROM conversations WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}

	if _, err = tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

// ListSessions 返回的会话不带消息
func (s *SQLiteStorage) ListSessions() ([]*model.Session, error) {
	return s.querySessions(`
		SELECT session_id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
}

func (s *SQLiteStorage) SearchSessions(query string) ([]*model.Session, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return s.ListSessions()
	}

	pattern := "%" + escapeLike(strings.ToLower(q)) + "%"
	sessions, err := s.querySessions(`
		SELECT c.session_id, c.title, c.created_at, c.updated_at
		FROM conversations c
		WHERE lower(c.title) LIKE ? ESCAPE '\'
		   OR EXISTS (SELECT 1 FROM messages m WHERE m.session_id = c.session_id AND lower(m.content) LIKE ? ESCAPE '\')
		ORDER BY c.updated_at DESC`, pattern, pattern)
	if err != nil {
		return nil, err
	}

	for _, session := range sessions {
		if session.Messages, err = s.loadMessages(session.ID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *SQLiteStorage) querySessions(query string, args ...interface{}) ([]*model.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStorage) AddMessage(sessionID string, message *model.Message) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var count int
	err = tx.QueryRow(`SELECT message_count FROM conversations WHERE session_id = ?`, sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("query conversation: %w", err)
	}

	if err = insertMessage(tx, sessionID, count, message); err != nil {
		return err
	}
	if _, err = tx.Exec(`UPDATE conversations SET message_count = ?, updated_at = ? WHERE session_id = ?`,
		count+1, time.Now().UnixMilli(), sessionID); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetMessages(sessionID string) ([]*model.Message, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM conversations WHERE session_id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	messages, err := s.loadMessages(sessionID)
	if err != nil {
		return nil, err
	}
	return messagePointers(messages), nil
}
