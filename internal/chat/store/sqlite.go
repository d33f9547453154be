package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/chat/models"
)

// SQLiteRepository is the default single-process Repository implementation.
type SQLiteRepository struct {
	db     *sqlx.DB
	tables Tables
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database file at dbPath
// and initializes the schema.
func NewSQLiteRepository(dbPath string, tables Tables) (*SQLiteRepository, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db, tables: tables}
	if err := repo.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (r *SQLiteRepository) initSchema() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		assigned_agent TEXT NOT NULL DEFAULT '',
		user_meta TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		attachment_url TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'public',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		roles TEXT NOT NULL DEFAULT '["viewer"]',
		status TEXT NOT NULL DEFAULT 'offline',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		read INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		response_type TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON %s(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON %s(user_id);
	CREATE INDEX IF NOT EXISTS idx_accuracy_session_id ON %s(session_id);
	`,
		r.tables.Sessions, r.tables.Messages, r.tables.Users,
		r.tables.Notifications, r.tables.Accuracy, r.tables.Settings,
		r.tables.Messages, r.tables.Notifications, r.tables.Accuracy,
	)

	_, err := r.db.Exec(schema)
	return err
}

// CreateSession inserts a new session. Returns a Conflict error if the id
// already exists.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s *models.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastSeen.IsZero() {
		s.LastSeen = now
	}
	if s.Status == "" {
		s.Status = models.SessionActive
	}
	metaJSON, err := encodeMeta(s.UserMeta)
	if err != nil {
		return apperrors.Transient("failed to serialize session meta", err)
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, status, assigned_agent, user_meta, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.tables.Sessions), s.ID, s.Status, s.AssignedAgent, metaJSON, s.CreatedAt, s.LastSeen)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("session '%s' already exists", s.ID))
		}
		return apperrors.Transient("failed to create session", err)
	}
	return nil
}

// GetSession loads a session by id.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowxContext(ctx, fmt.Sprintf(`
		SELECT id, status, assigned_agent, user_meta, created_at, last_seen
		FROM %s WHERE id = ?
	`, r.tables.Sessions), id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.Transient("failed to load session", err)
	}
	return s, nil
}

// UpdateSession applies a partial update. UserMeta entries are merged into
// the stored bag; the patch semantics are idempotent.
func (r *SQLiteRepository) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}

	var sets []string
	var args []interface{}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.AssignedAgent != nil {
		sets = append(sets, "assigned_agent = ?")
		args = append(args, *patch.AssignedAgent)
	}
	if patch.UserMeta != nil {
		merged := current.UserMeta
		if merged == nil {
			merged = map[string]interface{}{}
		}
		for k, v := range patch.UserMeta {
			merged[k] = v
		}
		metaJSON, err := encodeMeta(merged)
		if err != nil {
			return apperrors.Transient("failed to serialize session meta", err)
		}
		sets = append(sets, "user_meta = ?")
		args = append(args, metaJSON)
	}
	if patch.LastSeen != nil {
		sets = append(sets, "last_seen = ?")
		args = append(args, patch.LastSeen.UTC())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", r.tables.Sessions, strings.Join(sets, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Transient("failed to update session", err)
	}
	return nil
}

// AppendMessage inserts a message row.
func (r *SQLiteRepository) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Visibility == "" {
		m.Visibility = models.VisibilityPublic
	}
	if m.Sender == models.SenderInternal {
		m.Visibility = models.VisibilityInternal
	}
	metaJSON, err := encodeMeta(m.Metadata)
	if err != nil {
		return apperrors.Transient("failed to serialize message metadata", err)
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, session_id, sender, text, attachment_url, visibility, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.tables.Messages), m.ID, m.SessionID, m.Sender, m.Text, m.AttachmentURL, m.Visibility, metaJSON, m.CreatedAt)
	if err != nil {
		return apperrors.Transient("failed to append message", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a session.
func (r *SQLiteRepository) ListMessages(ctx context.Context, sessionID string, limit int, ascending bool) ([]*models.Message, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, sender, text, attachment_url, visibility, metadata, created_at
		FROM %s WHERE session_id = ? ORDER BY created_at %s
	`, r.tables.Messages, order)
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Transient("failed to list messages", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperrors.Transient("failed to scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("failed to list messages", err)
	}
	return msgs, nil
}

// CreateNotification inserts a notification record.
func (r *SQLiteRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, type, title, body, severity, session_id, user_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.tables.Notifications), n.ID, n.Type, n.Title, n.Body, n.Severity, n.SessionID, n.UserID, boolToInt(n.Read), n.CreatedAt)
	if err != nil {
		return apperrors.Transient("failed to create notification", err)
	}
	return nil
}

// CreateUser inserts a dashboard user.
func (r *SQLiteRepository) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = models.UserOffline
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, email, name, roles, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.tables.Users)
	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.Email, u.Name, models.EncodeRoles(u.Roles), u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("user '%s' already exists", u.ID))
		}
		return apperrors.Transient("failed to create user", err)
	}
	return nil
}

// FindUsersByRole returns users holding the given role.
func (r *SQLiteRepository) FindUsersByRole(ctx context.Context, role models.Role, limit int) ([]*models.User, error) {
	query := fmt.Sprintf(`
		SELECT id, email, name, roles, status, created_at, updated_at
		FROM %s WHERE roles LIKE ? ORDER BY created_at ASC
	`, r.tables.Users)
	args := []interface{}{"%" + string(role) + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Transient("failed to find users", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperrors.Transient("failed to scan user", err)
		}
		// LIKE is a coarse filter over the serialized roles column; the
		// parsed role set is authoritative.
		for _, have := range u.Roles {
			if have == role {
				users = append(users, u)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("failed to find users", err)
	}
	return users, nil
}

// UpdateUserStatus sets a user's online/offline status.
func (r *SQLiteRepository) UpdateUserStatus(ctx context.Context, userID, status string) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, updated_at = ? WHERE id = ?
	`, r.tables.Users), status, time.Now().UTC(), userID)
	if err != nil {
		return apperrors.Transient("failed to update user status", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperrors.NotFound("user", userID)
	}
	return nil
}

// CreateAccuracyRecord inserts an accuracy audit row.
func (r *SQLiteRepository) CreateAccuracyRecord(ctx context.Context, rec *models.AccuracyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, session_id, text, confidence, latency_ms, tokens, response_type, model, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.tables.Accuracy), rec.ID, rec.SessionID, rec.Text, rec.Confidence, rec.LatencyMS, rec.Tokens, rec.ResponseType, rec.Model, rec.Metadata, rec.CreatedAt)
	if err != nil {
		return apperrors.Transient("failed to create accuracy record", err)
	}
	return nil
}

// GetSetting returns the value for a settings key.
func (r *SQLiteRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowxContext(ctx, fmt.Sprintf(`
		SELECT value FROM %s WHERE key = ?
	`, r.tables.Settings), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperrors.NotFound("setting", key)
		}
		return "", apperrors.Transient("failed to load setting", err)
	}
	return value, nil
}

// SetSetting upserts a settings key.
func (r *SQLiteRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, r.tables.Settings), key, value, time.Now().UTC())
	if err != nil {
		return apperrors.Transient("failed to store setting", err)
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(scanner rowScanner) (*models.Session, error) {
	s := &models.Session{}
	var metaJSON string
	if err := scanner.Scan(&s.ID, &s.Status, &s.AssignedAgent, &metaJSON, &s.CreatedAt, &s.LastSeen); err != nil {
		return nil, err
	}
	meta, err := decodeMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	s.UserMeta = meta
	return s, nil
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var metaJSON string
	if err := scanner.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Text, &m.AttachmentURL, &m.Visibility, &metaJSON, &m.CreatedAt); err != nil {
		return nil, err
	}
	meta, err := decodeMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	m.Metadata = meta
	return m, nil
}

func scanUser(scanner rowScanner) (*models.User, error) {
	u := &models.User{}
	var rolesRaw string
	var statusRaw string
	if err := scanner.Scan(&u.ID, &u.Email, &u.Name, &rolesRaw, &statusRaw, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Roles = models.ParseRoles(rolesRaw)
	u.Status = statusRaw
	return u, nil
}

func encodeMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMeta(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
