package repo

import (
	"context"
	"database/sql"
	"errors"

	"atelier/internal/domain"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale means a guarded update matched no row because the stored
	// version or status moved since the caller read it.
	ErrStale = errors.New("stale version")
)

type Repo struct {
	DB *sqlx.DB
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (r Repo) q(tx *sqlx.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func validatorColumns(v *domain.Validator) (any, any) {
	if v == nil {
		return nil, nil
	}
	if v.IsSystem() {
		return string(domain.ValidatorSystem), nil
	}
	return string(v.Kind), nullable(v.ID)
}

func validatorFromColumns(kind, id sql.NullString) *domain.Validator {
	if !kind.Valid {
		return nil
	}
	if domain.ValidatorKind(kind.String) == domain.ValidatorSystem {
		v := domain.SystemValidator()
		return &v
	}
	v := domain.AdminValidator(id.String)
	return &v
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func toArgs[T ~string](vals []T) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		out = append(out, string(v))
	}
	return out
}
