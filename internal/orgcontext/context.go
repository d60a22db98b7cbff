// Package orgcontext carries the tenant (organization) of a request.
package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/errs"
)

var ErrMissingOrganization = errs.Validation("invalid_organization")

type orgContextKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, orgContextKey{}, snowflake.ID(orgID))
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(orgContextKey{}).(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil && parsed != 0 {
			return parsed, true
		}
	}
	return 0, false
}

// Require returns the org ID or ErrMissingOrganization.
func Require(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := OrgIDFromContext(ctx)
	if !ok {
		return 0, ErrMissingOrganization
	}
	return orgID, nil
}
