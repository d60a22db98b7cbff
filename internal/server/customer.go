package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
)

func (s *Server) CreateCustomer(c *gin.Context) {
	var req customerdomain.CreateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.customerSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCustomers(c *gin.Context) {
	req, ok := bindCustomerQuery(c)
	if !ok {
		return
	}

	resp, err := s.customerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Customers, "page_info": resp.PageInfo})
}

func (s *Server) SearchCustomers(c *gin.Context) {
	req, ok := bindCustomerQuery(c)
	if !ok {
		return
	}

	resp, err := s.customerSvc.Search(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Customers, "page_info": resp.PageInfo})
}

func bindCustomerQuery(c *gin.Context) (customerdomain.ListCustomerRequest, bool) {
	var query struct {
		pagination.Pagination
		Name     string `form:"name"`
		Email    string `form:"email"`
		Currency string `form:"currency"`
		Query    string `form:"q"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return customerdomain.ListCustomerRequest{}, false
	}
	createdFrom, createdTo, ok := timeRange(c, "created_from", "created_to")
	if !ok {
		return customerdomain.ListCustomerRequest{}, false
	}

	return customerdomain.ListCustomerRequest{
		PageToken:   query.PageToken,
		PageSize:    int32(query.PageSize),
		Name:        strings.TrimSpace(query.Name),
		Email:       strings.TrimSpace(query.Email),
		Currency:    strings.TrimSpace(query.Currency),
		Query:       strings.TrimSpace(query.Query),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	}, true
}

func (s *Server) GetCustomerByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.customerSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) LookupCustomer(c *gin.Context) {
	externalID := strings.TrimSpace(c.Query("external_id"))
	if externalID == "" {
		AbortWithError(c, newValidationError("external_id", "invalid_external_id", "external_id is required"))
		return
	}

	resp, err := s.customerSvc.Lookup(c.Request.Context(), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateCustomer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req customerdomain.UpdateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ID = id

	resp, err := s.customerSvc.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteCustomer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.customerSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListCustomerEntitlements(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	customerID, _ := snowflake.ParseString(id)

	var featureID *snowflake.ID
	if raw := strings.TrimSpace(c.Query("feature_id")); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil || parsed == 0 {
			AbortWithError(c, newValidationError("feature_id", "invalid_feature_id", "invalid feature_id"))
			return
		}
		featureID = &parsed
	}

	resp, err := s.entitlementSvc.Resolve(c.Request.Context(), customerID, featureID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PreviewCustomerInvoices(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.PreviewCustomer(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
