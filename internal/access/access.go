// Package access maps authenticated identities to permitted actions per
// package. It fails closed: any missing or ambiguous relation is Forbidden.
package access

import (
	"context"
	"errors"

	"github.com/git-pkgs/registry/internal/core"
	"github.com/git-pkgs/registry/internal/ledger"
)

// Controller answers authorization questions against ledger ownership.
type Controller struct {
	ledger ledger.Ledger
}

// NewController creates a Controller backed by the given ledger.
func NewController(l ledger.Ledger) *Controller {
	return &Controller{ledger: l}
}

// Authorize decides whether an identity may perform an action on a package.
// It returns nil when allowed and a core.ForbiddenError otherwise.
//
// Role checks come first: banned identities are always denied, admins always
// pass. For everyone else the identity must hold an Owner relation, except
// that publishing to a name with no package yet is auto-authorized — first
// publish claims the name.
func (c *Controller) Authorize(ctx context.Context, id core.Identity, pkg string, action core.Action) error {
	forbidden := &core.ForbiddenError{Identity: id.ID, Package: pkg, Action: action}

	if id.ID == "" || id.Role == core.RoleBanned {
		return forbidden
	}
	if id.Role == core.RoleAdmin {
		return nil
	}

	owners, err := c.ledger.Owners(ctx, pkg)
	if err != nil {
		if action == core.ActionPublish && errors.Is(err, core.ErrNotFound) {
			return nil
		}
		// Fail closed on missing packages and on ledger failures alike.
		return forbidden
	}

	for _, owner := range owners {
		if owner == id.ID {
			return nil
		}
	}
	return forbidden
}
