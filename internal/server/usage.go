package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	entitlementdomain "github.com/smallbiznis/billcore/internal/entitlement/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
)

func (s *Server) ListUsageEvents(c *gin.Context) {
	var query struct {
		PageToken      string `form:"page_token"`
		PageSize       int32  `form:"page_size"`
		CustomerID     string `form:"customer_id"`
		FeatureID      string `form:"feature_id"`
		SubscriptionID string `form:"subscription_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	from, to, ok := timeRange(c, "from", "to")
	if !ok {
		return
	}

	resp, err := s.usageSvc.ListEvents(c.Request.Context(), usagedomain.ListEventsRequest{
		CustomerID:     strings.TrimSpace(query.CustomerID),
		FeatureID:      strings.TrimSpace(query.FeatureID),
		SubscriptionID: strings.TrimSpace(query.SubscriptionID),
		From:           from,
		To:             to,
		PageToken:      query.PageToken,
		PageSize:       query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

// CheckEntitlement reports whether a customer may consume quantity of a
// feature right now, with the usage counted so far in the reset window.
func (s *Server) CheckEntitlement(c *gin.Context) {
	quantity, err := parseOptionalDecimal(c.Query("quantity"))
	if err != nil {
		AbortWithError(c, newValidationError("quantity", "invalid_quantity", "invalid quantity"))
		return
	}
	at, err := parseOptionalTime(c.Query("at"), false)
	if err != nil {
		AbortWithError(c, newValidationError("at", "invalid_at", "invalid at"))
		return
	}

	req := entitlementdomain.CheckRequest{
		CustomerID:  strings.TrimSpace(c.Query("customer_id")),
		FeatureCode: strings.TrimSpace(c.Query("feature_code")),
		Quantity:    quantity,
	}
	if at != nil {
		req.At = *at
	}

	resp, err := s.entitlementSvc.Check(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Action     string `form:"action"`
		TargetType string `form:"target_type"`
		TargetID   string `form:"target_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	startAt, endAt, ok := timeRange(c, "start_at", "end_at")
	if !ok {
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: query.Pagination,
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
