package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"atelier/internal/domain"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

type apiKeyRow struct {
	ID        string         `db:"id"`
	ActorID   string         `db:"actor_id"`
	Name      sql.NullString `db:"name"`
	Roles     string         `db:"roles_json"`
	KeyHash   string         `db:"key_hash"`
	CreatedAt string         `db:"created_at"`
}

func (row apiKeyRow) key() (domain.APIKey, error) {
	key := domain.APIKey{
		ID:        row.ID,
		ActorID:   row.ActorID,
		Name:      row.Name.String,
		KeyHash:   row.KeyHash,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.Roles), &key.Roles); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sqlx.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if key.Roles == nil {
		key.Roles = []string{}
	}
	roles, err := json.Marshal(key.Roles)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, roles_json, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), string(roles), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var row apiKeyRow
	err := r.DB.GetContext(ctx, &row, `SELECT id, actor_id, name, roles_json, key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return row.key()
}

// ListAPIKeys returns keys newest first, all of them when actorID is empty.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "actor_id", "name", "roles_json", "key_hash", "created_at").From("api_keys")
	if actorID != "" {
		sb.Where(sb.Equal("actor_id", actorID))
	}
	sb.OrderBy("created_at").Desc()
	query, args := sb.Build()
	var rows []apiKeyRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	keys := make([]domain.APIKey, 0, len(rows))
	for _, row := range rows {
		key, err := row.key()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sqlx.Tx, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
