package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billcore/internal/orgcontext"
)

const (
	HeaderOrg            = "X-Org-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// OrgContext resolves the organization of the request from the X-Org-ID
// header and stores it on the request context. Requests without the header
// fall back to defaultOrgID when it is set.
func OrgContext(defaultOrgID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		orgID := snowflake.ID(defaultOrgID)
		if raw != "" {
			parsed, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, orgcontext.ErrMissingOrganization)
				return
			}
			orgID = parsed
		}
		if orgID <= 0 {
			AbortWithError(c, orgcontext.ErrMissingOrganization)
			return
		}
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID.Int64()))
		c.Next()
	}
}

func idempotencyKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
}
