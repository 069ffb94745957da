// Package auth checks which actors may decide a stage or reopen a case.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/repo"
)

// Service resolves actor roles from the store.
type Service struct {
	Repo repo.Repo
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return s.Repo.EnsureActor(ctx, tx, actorID, domain.FormatTime(time.Now()))
}

// HasAnyRole reports whether actorID holds at least one of roles. An empty
// role list allows everyone.
func (s Service) HasAnyRole(ctx context.Context, tx *sql.Tx, actorID string, roles []string) (bool, error) {
	if len(roles) == 0 {
		return true, nil
	}
	held, err := s.Repo.ActorRoles(ctx, tx, actorID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		for _, r := range roles {
			if h == r {
				return true, nil
			}
		}
	}
	return false, nil
}

// CheckStageAuthority fails with ErrForbiddenStage when the stage lists
// authorities and the actor holds none of them.
func (s Service) CheckStageAuthority(ctx context.Context, tx *sql.Tx, c domain.Case, stage, actorID string, authorities []string) error {
	ok, err := s.HasAnyRole(ctx, tx, actorID, authorities)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Reject(domain.ErrForbiddenStage, c.ID, stage, "",
			fmt.Sprintf("actor %s needs one of roles %s", actorID, strings.Join(authorities, ", ")))
	}
	return nil
}

// ReopenByRole returns an authorizer that lets holders of roles reopen a
// case. With no roles nobody may reopen.
func (s Service) ReopenByRole(roles []string) func(ctx context.Context, c domain.Case, actorID, reason string) error {
	return func(ctx context.Context, c domain.Case, actorID, reason string) error {
		if len(roles) == 0 {
			return domain.Reject(domain.ErrReopenNotAuthorized, c.ID, "", "", "no reopen roles configured")
		}
		if strings.TrimSpace(reason) == "" {
			return fmt.Errorf("%w: reopen reason is required", domain.ErrInvalidInput)
		}
		ok, err := s.HasAnyRole(ctx, nil, actorID, roles)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Reject(domain.ErrReopenNotAuthorized, c.ID, "", "",
				fmt.Sprintf("actor %s needs one of roles %s", actorID, strings.Join(roles, ", ")))
		}
		return nil
	}
}
