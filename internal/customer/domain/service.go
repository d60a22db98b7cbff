package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type ListCustomerRequest struct {
	PageToken   string
	PageSize    int32
	Name        string
	Email       string
	Currency    string
	Query       string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerFilter struct {
	Name        string
	Email       string
	Currency    string
	Query       string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

type CreateCustomerRequest struct {
	Name           string         `json:"name"`
	Email          string         `json:"email"`
	Currency       string         `json:"currency"`
	ExternalID     string         `json:"external_id"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"-"`
}

type UpdateCustomerRequest struct {
	ID       string          `json:"-"`
	Name     *string         `json:"name"`
	Email    *string         `json:"email"`
	Metadata *map[string]any `json:"metadata"`
}

type Service interface {
	Create(context.Context, CreateCustomerRequest) (Customer, error)
	GetByID(context.Context, string) (Customer, error)
	Lookup(ctx context.Context, externalID string) (Customer, error)
	Update(context.Context, UpdateCustomerRequest) (Customer, error)
	Delete(context.Context, string) error
	List(context.Context, ListCustomerRequest) (ListCustomerResponse, error)
	Search(context.Context, ListCustomerRequest) (ListCustomerResponse, error)
}

var (
	ErrInvalidName       = errs.Validation("invalid_name")
	ErrInvalidEmail      = errs.Validation("invalid_email")
	ErrInvalidCurrency   = errs.Validation("invalid_currency")
	ErrInvalidID         = errs.Validation("invalid_id")
	ErrInvalidExternalID = errs.Validation("invalid_external_id")
	ErrNotFound          = errs.NotFound("customer_not_found")
	ErrExternalIDTaken   = errs.Conflict("customer_external_id_taken")
	ErrHasSubscriptions  = errs.InvalidState("customer_has_live_subscriptions")
)
