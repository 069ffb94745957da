package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/platform/logging"
	"stagegate/internal/repo"
)

// WhoAmI describes an actor's roles and what they unlock.
type WhoAmI struct {
	ActorID   string   `json:"actor_id"`
	Roles     []string `json:"roles"`
	CanReopen bool     `json:"can_reopen"`
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (WhoAmI, error) {
	roles, err := e.Repo.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	w := WhoAmI{ActorID: actorID, Roles: roles}
	if e.Config != nil && len(e.Config.Reopen.Roles) > 0 {
		w.CanReopen, err = e.Auth.HasAnyRole(ctx, nil, actorID, e.Config.Reopen.Roles)
		if err != nil {
			return WhoAmI{}, err
		}
	}
	return w, nil
}

func (e Engine) checkRole(role string) error {
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("%w: role is required", domain.ErrInvalidInput)
	}
	if e.Config != nil && len(e.Config.RBAC.Roles) > 0 {
		if _, ok := e.Config.RBAC.Roles[role]; !ok {
			return fmt.Errorf("%w: role %s is not configured", domain.ErrInvalidInput, role)
		}
	}
	return nil
}

// GrantRole gives target a role used by stage authorities and reopen.
func (e Engine) GrantRole(ctx context.Context, actorID, target, role string) error {
	if err := e.checkRole(role); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, target); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleGranted, "", "actor", target, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Audit(ctx, e.logger(), events.RoleGranted, "actor_id", actorID, "target", target, "role", role)
	return nil
}

func (e Engine) RevokeRole(ctx context.Context, actorID, target, role string) error {
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("%w: role is required", domain.ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, target, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleRevoked, "", "actor", target, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Audit(ctx, e.logger(), events.RoleRevoked, "actor_id", actorID, "target", target, "role", role)
	return nil
}

// CreateAPIKey issues a key for actorID. The plaintext is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "sg_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: domain.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
