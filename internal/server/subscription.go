package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/billcore/internal/subscription/domain"
)

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	req, ok := bindSubscriptionQuery(c)
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Subscriptions, "page_info": resp.PageInfo})
}

func (s *Server) SearchSubscriptions(c *gin.Context) {
	req, ok := bindSubscriptionQuery(c)
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.Search(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Subscriptions, "page_info": resp.PageInfo})
}

func bindSubscriptionQuery(c *gin.Context) (subscriptiondomain.ListSubscriptionRequest, bool) {
	var query struct {
		PageToken  string `form:"page_token"`
		PageSize   int32  `form:"page_size"`
		CustomerID string `form:"customer_id"`
		PlanID     string `form:"plan_id"`
		Status     string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return subscriptiondomain.ListSubscriptionRequest{}, false
	}
	createdFrom, createdTo, ok := timeRange(c, "created_from", "created_to")
	if !ok {
		return subscriptiondomain.ListSubscriptionRequest{}, false
	}

	return subscriptiondomain.ListSubscriptionRequest{
		PageToken:   query.PageToken,
		PageSize:    query.PageSize,
		CustomerID:  strings.TrimSpace(query.CustomerID),
		PlanID:      strings.TrimSpace(query.PlanID),
		Status:      subscriptiondomain.Status(strings.ToUpper(strings.TrimSpace(query.Status))),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	}, true
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// bindOptionalJSON binds a request body when one is present. Lifecycle
// commands accept an empty body.
func bindOptionalJSON(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		AbortWithError(c, invalidRequestError())
		return false
	}
	return true
}

func (s *Server) ActivateSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.ActivateRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.ID = id
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.subscriptionSvc.Activate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PauseSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.PauseRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.ID = id

	resp, err := s.subscriptionSvc.Pause(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.ResumeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.ID = id

	resp, err := s.subscriptionSvc.Resume(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.CancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.ID = id
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ChangeSubscription(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.ChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ID = id
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.subscriptionSvc.Change(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AddSubscriptionAddon(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.AddonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = id
	req.AddonID = strings.TrimSpace(req.AddonID)
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.subscriptionSvc.AddAddon(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RemoveSubscriptionAddon(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	addonID, ok := pathID(c, "addon_id")
	if !ok {
		return
	}
	var req subscriptiondomain.AddonRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.SubscriptionID = id
	req.AddonID = addonID
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.subscriptionSvc.RemoveAddon(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReportSubscriptionUsage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req subscriptiondomain.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = id
	req.FeatureCode = strings.TrimSpace(req.FeatureCode)
	if strings.TrimSpace(req.EventID) == "" {
		req.EventID = idempotencyKey(c)
	}

	resp, err := s.subscriptionSvc.ReportUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) PreviewSubscriptionInvoice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.Preview(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCreditGrantApplications(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.creditGrantSvc.Applications(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
