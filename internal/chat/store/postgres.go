package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
	"github.com/supportdesk/supportdesk/internal/chat/models"
)

// PostgresRepository is the pgx-backed Repository implementation for
// deployments with an external database.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	tables Tables
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to the database and initializes the schema.
func NewPostgresRepository(ctx context.Context, dsn string, maxConns int, tables Tables) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, tables: tables}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		assigned_agent TEXT NOT NULL DEFAULT '',
		user_meta JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		attachment_url TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'public',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		roles TEXT NOT NULL DEFAULT '["viewer"]',
		status TEXT NOT NULL DEFAULT 'offline',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		response_type TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON %s(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON %s(user_id);
	CREATE INDEX IF NOT EXISTS idx_accuracy_session_id ON %s(session_id);
	`,
		r.tables.Sessions, r.tables.Messages, r.tables.Users,
		r.tables.Notifications, r.tables.Accuracy, r.tables.Settings,
		r.tables.Messages, r.tables.Notifications, r.tables.Accuracy,
	)
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s *models.Session) error {
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
	_, err = r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, status, assigned_agent, user_meta, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.tables.Sessions), s.ID, s.Status, s.AssignedAgent, metaJSON, s.CreatedAt, s.LastSeen)
	if err != nil {
		if isPGUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("session '%s' already exists", s.ID))
		}
		return apperrors.Transient("failed to create session", err)
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, status, assigned_agent, user_meta::text, created_at, last_seen
		FROM %s WHERE id = $1
	`, r.tables.Sessions), id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.Transient("failed to load session", err)
	}
	return s, nil
}

func (r *PostgresRepository) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}

	var sets []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.AssignedAgent != nil {
		sets = append(sets, "assigned_agent = "+arg(*patch.AssignedAgent))
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
		sets = append(sets, "user_meta = "+arg(metaJSON))
	}
	if patch.LastSeen != nil {
		sets = append(sets, "last_seen = "+arg(patch.LastSeen.UTC()))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		r.tables.Sessions, strings.Join(sets, ", "), arg(id))
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return apperrors.Transient("failed to update session", err)
	}
	return nil
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, m *models.Message) error {
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
	_, err = r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, session_id, sender, text, attachment_url, visibility, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.tables.Messages), m.ID, m.SessionID, m.Sender, m.Text, m.AttachmentURL, m.Visibility, metaJSON, m.CreatedAt)
	if err != nil {
		return apperrors.Transient("failed to append message", err)
	}
	return nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, sessionID string, limit int, ascending bool) ([]*models.Message, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, sender, text, attachment_url, visibility, metadata::text, created_at
		FROM %s WHERE session_id = $1 ORDER BY created_at %s
	`, r.tables.Messages, order)
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Transient("failed to list messages", err)
	}
	defer rows.Close()

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

func (r *PostgresRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, type, title, body, severity, session_id, user_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.tables.Notifications), n.ID, n.Type, n.Title, n.Body, n.Severity, n.SessionID, n.UserID, n.Read, n.CreatedAt)
	if err != nil {
		return apperrors.Transient("failed to create notification", err)
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, u *models.User) error {
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
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, email, name, roles, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.tables.Users), u.ID, u.Email, u.Name, models.EncodeRoles(u.Roles), u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isPGUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("user '%s' already exists", u.ID))
		}
		return apperrors.Transient("failed to create user", err)
	}
	return nil
}

func (r *PostgresRepository) FindUsersByRole(ctx context.Context, role models.Role, limit int) ([]*models.User, error) {
	query := fmt.Sprintf(`
		SELECT id, email, name, roles, status, created_at, updated_at
		FROM %s WHERE roles LIKE $1 ORDER BY created_at ASC
	`, r.tables.Users)
	args := []interface{}{"%" + string(role) + "%"}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Transient("failed to find users", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperrors.Transient("failed to scan user", err)
		}
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

func (r *PostgresRepository) UpdateUserStatus(ctx context.Context, userID, status string) error {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3
	`, r.tables.Users), status, time.Now().UTC(), userID)
	if err != nil {
		return apperrors.Transient("failed to update user status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("user", userID)
	}
	return nil
}

func (r *PostgresRepository) CreateAccuracyRecord(ctx context.Context, rec *models.AccuracyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, session_id, text, confidence, latency_ms, tokens, response_type, model, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.tables.Accuracy), rec.ID, rec.SessionID, rec.Text, rec.Confidence, rec.LatencyMS, rec.Tokens, rec.ResponseType, rec.Model, rec.Metadata, rec.CreatedAt)
	if err != nil {
		return apperrors.Transient("failed to create accuracy record", err)
	}
	return nil
}

func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT value FROM %s WHERE key = $1
	`, r.tables.Settings), key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NotFound("setting", key)
		}
		return "", apperrors.Transient("failed to load setting", err)
	}
	return value, nil
}

func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, r.tables.Settings), key, value, time.Now().UTC())
	if err != nil {
		return apperrors.Transient("failed to store setting", err)
	}
	return nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
