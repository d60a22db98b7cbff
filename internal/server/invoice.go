package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
)

func (s *Server) CreateInvoice(c *gin.Context) {
	var req invoicedomain.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.invoiceSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListInvoices(c *gin.Context) {
	req, ok := bindInvoiceQuery(c)
	if !ok {
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func (s *Server) SearchInvoices(c *gin.Context) {
	req, ok := bindInvoiceQuery(c)
	if !ok {
		return
	}

	resp, err := s.invoiceSvc.Search(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func bindInvoiceQuery(c *gin.Context) (invoicedomain.ListInvoiceRequest, bool) {
	var query struct {
		PageToken      string `form:"page_token"`
		PageSize       int32  `form:"page_size"`
		CustomerID     string `form:"customer_id"`
		SubscriptionID string `form:"subscription_id"`
		Status         string `form:"status"`
		PaymentStatus  string `form:"payment_status"`
		Number         string `form:"number"`
		TotalMin       *int64 `form:"total_min"`
		TotalMax       *int64 `form:"total_max"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return invoicedomain.ListInvoiceRequest{}, false
	}
	createdFrom, createdTo, ok := timeRange(c, "created_from", "created_to")
	if !ok {
		return invoicedomain.ListInvoiceRequest{}, false
	}

	return invoicedomain.ListInvoiceRequest{
		PageToken:      query.PageToken,
		PageSize:       query.PageSize,
		CustomerID:     strings.TrimSpace(query.CustomerID),
		SubscriptionID: strings.TrimSpace(query.SubscriptionID),
		Status:         invoicedomain.Status(strings.ToUpper(strings.TrimSpace(query.Status))),
		PaymentStatus:  invoicedomain.PaymentStatus(strings.ToUpper(strings.TrimSpace(query.PaymentStatus))),
		Number:         strings.TrimSpace(query.Number),
		TotalMin:       query.TotalMin,
		TotalMax:       query.TotalMax,
		CreatedFrom:    createdFrom,
		CreatedTo:      createdTo,
	}, true
}

// PreviewInvoice projects the next invoice of one subscription, or of every
// active subscription of a customer.
func (s *Server) PreviewInvoice(c *gin.Context) {
	subscriptionID := strings.TrimSpace(c.Query("subscription_id"))
	customerID := strings.TrimSpace(c.Query("customer_id"))

	switch {
	case subscriptionID != "":
		resp, err := s.subscriptionSvc.Preview(c.Request.Context(), subscriptionID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": resp})
	case customerID != "":
		resp, err := s.subscriptionSvc.PreviewCustomer(c.Request.Context(), customerID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": resp})
	default:
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "subscription_id or customer_id is required"))
	}
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateInvoice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req invoicedomain.UpdateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ID = id

	resp, err := s.invoiceSvc.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) FinalizeInvoice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.invoiceSvc.Finalize(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) VoidInvoice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.invoiceSvc.Void(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ApplyInvoicePayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req invoicedomain.ApplyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.InvoiceID = id
	req.PaymentID = strings.TrimSpace(req.PaymentID)

	resp, err := s.invoiceSvc.ApplyPayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RecordInvoicePayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req invoicedomain.RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.InvoiceID = id
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.invoiceSvc.RecordPayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
