package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/events"
	"atelier/internal/repo"

	"github.com/google/uuid"
)

// CreateAPIKey issues a key for actorID holding roles. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor auth.Actor, actorID, name string, roles []string) (domain.APIKey, string, error) {
	if err := e.Auth.Require(actor, config.PermAPIKeyCreate); err != nil {
		return domain.APIKey{}, "", err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", inputErr("actor_id", "invalid_actor", "actor id is required")
	}
	if len(roles) == 0 {
		return domain.APIKey{}, "", inputErr("roles", "invalid_roles", "at least one role is required")
	}
	for _, r := range roles {
		if _, ok := e.Config.RBAC.Roles[r]; !ok {
			return domain.APIKey{}, "", inputErr("roles", "invalid_roles", fmt.Sprintf("unknown role %s", r))
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "atl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		Roles:     roles,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyCreated, "apikey", key.ID, actor.ID, events.EventPayload{
		"actor_id": key.ActorID, "roles": key.Roles,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// ListAPIKeys returns issued keys, optionally only those of actorID. Hashes
// are included; plaintext keys are never stored.
func (e Engine) ListAPIKeys(ctx context.Context, actor auth.Actor, actorID string) ([]domain.APIKey, error) {
	if err := e.Auth.Require(actor, config.PermAPIKeyCreate); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, strings.TrimSpace(actorID))
}

// RevokeAPIKey deletes a key so it no longer authenticates.
func (e Engine) RevokeAPIKey(ctx context.Context, actor auth.Actor, id string) error {
	if err := e.Auth.Require(actor, config.PermAPIKeyCreate); err != nil {
		return err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyRevoked, "apikey", id, actor.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
