// Package resolve turns declarative approval targets into concrete user IDs.
// Resolution happens once, at document creation, so the materialized targets
// stay stable no matter how the organization changes afterwards.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"approvalflow/api/internal/directory"
	"approvalflow/api/internal/store"
)

// ErrNoEligibleUser means the declaration is well-formed but nobody is
// obligated by it, e.g. an organization without managers.
var ErrNoEligibleUser = errors.New("resolve: no eligible user")

// Declaration mirrors the template-side target variant. Which fields matter
// depends on TargetType.
type Declaration struct {
	TargetType     string
	UserID         string
	OrganizationID string
	ManagerLevel   int
}

// Context carries the document-side inputs resolution depends on.
type Context struct {
	AuthorID string
}

type Resolver struct {
	dir directory.Directory
}

func New(dir directory.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the set of users obligated by the declaration. USER targets
// resolve without touching the directory; the other kinds consult it with the
// client's bounded timeout and fail fast on unavailability.
func (r *Resolver) Resolve(ctx context.Context, decl Declaration, docCtx Context) ([]string, error) {
	switch decl.TargetType {
	case store.TargetUser:
		if decl.UserID == "" {
			return nil, fmt.Errorf("resolve user target: %w", ErrNoEligibleUser)
		}
		return []string{decl.UserID}, nil

	case store.TargetOrganization:
		managers, err := r.dir.OrganizationManagers(ctx, decl.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("resolve organization %s: %w", decl.OrganizationID, err)
		}
		return managers, nil

	case store.TargetNLevelManager:
		if decl.ManagerLevel < 1 {
			return nil, fmt.Errorf("resolve manager target: level %d below 1: %w", decl.ManagerLevel, ErrNoEligibleUser)
		}
		manager, err := r.dir.NthLevelManager(ctx, docCtx.AuthorID, decl.ManagerLevel)
		if err != nil {
			return nil, fmt.Errorf("resolve level-%d manager of %s: %w", decl.ManagerLevel, docCtx.AuthorID, err)
		}
		return []string{manager}, nil

	default:
		return nil, fmt.Errorf("resolve: unknown target type %q", decl.TargetType)
	}
}
