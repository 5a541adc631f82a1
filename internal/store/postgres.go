package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `id, display_name, email, password_hash, role, institution, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.Institution, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if user.Role == "" {
		user.Role = "viewer"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, institution)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.Institution)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireRow(result)
}

// UpdateUserAccess sets the role and home institution an admin granted.
func (s *PostgresStore) UpdateUserAccess(ctx context.Context, userID, role, institution string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, institution=$3, updated_at=NOW() WHERE id=$1`, userID, role, institution)
	if err != nil {
		return fmt.Errorf("update user access: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

// GetPasswordReset returns the user a still valid, unused token belongs to.
func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token); err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListInstitutions(ctx context.Context) ([]Institution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, contact_email, created_at FROM institutions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list institutions: %w", err)
	}
	defer rows.Close()

	items := make([]Institution, 0)
	for rows.Next() {
		var item Institution
		if err := rows.Scan(&item.ID, &item.Name, &item.ContactEmail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan institution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate institutions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetInstitution(ctx context.Context, id string) (Institution, error) {
	var item Institution
	err := s.db.QueryRowContext(ctx, `SELECT id, name, contact_email, created_at FROM institutions WHERE id=$1`, id).
		Scan(&item.ID, &item.Name, &item.ContactEmail, &item.CreatedAt)
	if err != nil {
		return Institution{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertInstitution(ctx context.Context, item Institution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO institutions (id, name, contact_email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, contact_email=EXCLUDED.contact_email
	`, item.ID, item.Name, item.ContactEmail)
	if err != nil {
		return fmt.Errorf("upsert institution: %w", err)
	}
	return nil
}

// ListShares returns the whole baseline of one schema.
func (s *PostgresStore) ListShares(ctx context.Context, schemaKey string) ([]Share, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schema_key, unique_id, institution, updated_by_name, updated_at
		FROM baseline_shares
		WHERE schema_key=$1
		ORDER BY unique_id, institution
	`, schemaKey)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	items := make([]Share, 0)
	for rows.Next() {
		var item Share
		if err := rows.Scan(&item.SchemaKey, &item.UniqueID, &item.Institution, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return items, nil
}

// ApplyCommit writes a commit to the baseline atomically: added identifiers
// become shared, removed identifiers stop being shared and the commit is
// logged. Nothing is written when any step fails.
func (s *PostgresStore) ApplyCommit(ctx context.Context, commit Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range commit.Added() {
		if err := upsertShare(ctx, tx, commit.SchemaKey, entry.UniqueID, commit.Institution, commit.AuthorName); err != nil {
			return err
		}
	}
	for _, entry := range commit.Removed {
		if err := deleteShare(ctx, tx, commit.SchemaKey, entry.UniqueID, commit.Institution); err != nil {
			return err
		}
	}
	if err := insertCommit(ctx, tx, commit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ReplaceSharing sets the institutions one node is shared with. Each commit
// records what changed for one institution; they are written in the same
// transaction as the share rows.
func (s *PostgresStore) ReplaceSharing(ctx context.Context, schemaKey, uniqueID string, institutions []string, updatedBy string, commits []Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sharing tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_shares WHERE schema_key=$1 AND unique_id=$2`, schemaKey, uniqueID); err != nil {
		return fmt.Errorf("clear shares: %w", err)
	}
	for _, institution := range institutions {
		if err := upsertShare(ctx, tx, schemaKey, uniqueID, institution, updatedBy); err != nil {
			return err
		}
	}
	for _, commit := range commits {
		if err := insertCommit(ctx, tx, commit); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sharing tx: %w", err)
	}
	return nil
}

func upsertShare(ctx context.Context, tx *sql.Tx, schemaKey, uniqueID, institution, updatedBy string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO baseline_shares (schema_key, unique_id, institution, updated_by_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (schema_key, unique_id, institution) DO UPDATE SET updated_by_name=EXCLUDED.updated_by_name, updated_at=NOW()
	`, schemaKey, uniqueID, institution, updatedBy)
	if err != nil {
		return fmt.Errorf("insert share %s: %w", uniqueID, err)
	}
	return nil
}

func deleteShare(ctx context.Context, tx *sql.Tx, schemaKey, uniqueID, institution string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM baseline_shares WHERE schema_key=$1 AND unique_id=$2 AND institution=$3
	`, schemaKey, uniqueID, institution)
	if err != nil {
		return fmt.Errorf("delete share %s: %w", uniqueID, err)
	}
	return nil
}

func insertCommit(ctx context.Context, tx *sql.Tx, commit Commit) error {
	manual, err := encodeEntries(commit.Manual)
	if err != nil {
		return err
	}
	automated, err := encodeEntries(commit.Automated)
	if err != nil {
		return err
	}
	removed, err := encodeEntries(commit.Removed)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (id, schema_key, institution, kind, message, author_id, author_name, reverts_id, manual, automated, removed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9::jsonb, $10::jsonb, $11::jsonb)
	`, commit.ID, commit.SchemaKey, commit.Institution, commit.Kind, commit.Message, commit.AuthorID, commit.AuthorName, commit.RevertsID, manual, automated, removed)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

func encodeEntries(entries []CommitEntry) (string, error) {
	if entries == nil {
		entries = []CommitEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal commit entries: %w", err)
	}
	return string(raw), nil
}

func (s *PostgresStore) SetCommitHistoryHash(ctx context.Context, commitID, hash string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE commits SET history_hash=$2 WHERE id=$1`, commitID, hash); err != nil {
		return fmt.Errorf("set commit history hash: %w", err)
	}
	return nil
}

const commitColumns = `id, schema_key, institution, kind, message, author_id, author_name, COALESCE(reverts_id, ''), history_hash, manual, automated, removed, created_at`

func scanCommit(row interface{ Scan(...any) error }) (Commit, error) {
	var item Commit
	var manual, automated, removed []byte
	if err := row.Scan(
		&item.ID,
		&item.SchemaKey,
		&item.Institution,
		&item.Kind,
		&item.Message,
		&item.AuthorID,
		&item.AuthorName,
		&item.RevertsID,
		&item.HistoryHash,
		&manual,
		&automated,
		&removed,
		&item.CreatedAt,
	); err != nil {
		return Commit{}, err
	}
	for _, pair := range []struct {
		raw  []byte
		into *[]CommitEntry
	}{{manual, &item.Manual}, {automated, &item.Automated}, {removed, &item.Removed}} {
		if err := json.Unmarshal(pair.raw, pair.into); err != nil {
			return Commit{}, fmt.Errorf("decode commit entries: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) GetCommit(ctx context.Context, commitID string) (Commit, error) {
	return scanCommit(s.db.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits WHERE id=$1`, commitID))
}

func (s *PostgresStore) ListCommits(ctx context.Context, schemaKey, institution string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitColumns+`
		FROM commits
		WHERE schema_key=$1 AND (institution=$2 OR $2='')
		ORDER BY created_at DESC
		LIMIT $3
	`, schemaKey, institution, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	items := make([]Commit, 0)
	for rows.Next() {
		item, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListMappings(ctx context.Context, institution string) ([]FieldMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT institution, source_id, target_field, updated_by_name, updated_at
		FROM field_mappings
		WHERE institution=$1
		ORDER BY source_id
	`, institution)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	items := make([]FieldMapping, 0)
	for rows.Next() {
		var item FieldMapping
		if err := rows.Scan(&item.Institution, &item.SourceID, &item.TargetField, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, item FieldMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_mappings (institution, source_id, target_field, updated_by_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (institution, source_id) DO UPDATE SET target_field=EXCLUDED.target_field, updated_by_name=EXCLUDED.updated_by_name, updated_at=NOW()
	`, item.Institution, item.SourceID, item.TargetField, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

// ReplaceSchemaNodes swaps the search catalog of one schema for nodes.
func (s *PostgresStore) ReplaceSchemaNodes(ctx context.Context, schemaKey string, nodes []SchemaNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_nodes WHERE schema_key=$1`, schemaKey); err != nil {
		return fmt.Errorf("clear schema nodes: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schema_nodes (schema_key, unique_id, name, path, section, node_type, is_leaf)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare schema node insert: %w", err)
	}
	defer stmt.Close()
	for _, node := range nodes {
		if _, err := stmt.ExecContext(ctx, schemaKey, node.UniqueID, node.Name, node.Path, node.Section, node.Type, node.IsLeaf); err != nil {
			return fmt.Errorf("insert schema node %s: %w", node.UniqueID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
