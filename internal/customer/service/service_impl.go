package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Billing     *config.BillingConfigHolder
	Idempotency *idempotency.Store
	Repo        domain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	idempotency *idempotency.Store
	repo        domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("customer.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		idempotency: p.Idempotency,
		repo:        p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, domain.ErrInvalidName
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Customer{}, domain.ErrInvalidEmail
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" || !s.billing.Get().SupportsCurrency(currency) {
		return domain.Customer{}, domain.ErrInvalidCurrency
	}

	var externalID *string
	if ext := strings.TrimSpace(req.ExternalID); ext != "" {
		externalID = &ext
	}

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "customer.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Customer, error) {
			if externalID != nil {
				existing, err := s.repo.FindByExternalID(ctx, tx, orgID, *externalID)
				if err != nil {
					return domain.Customer{}, err
				}
				if existing != nil {
					return domain.Customer{}, domain.ErrExternalIDTaken.WithEntity("customer", *externalID)
				}
			}

			now := s.clock.Now()
			customer := domain.Customer{
				ID:         s.genID.Generate(),
				OrgID:      orgID,
				ExternalID: externalID,
				Name:       name,
				Email:      email,
				Currency:   currency,
				Metadata:   datatypes.JSONMap(copyMetadata(req.Metadata)),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.repo.Insert(ctx, tx, &customer); err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return domain.Customer{}, domain.ErrExternalIDTaken
				}
				return domain.Customer{}, err
			}

			s.log.Info("customer created", zap.String("customer_id", customer.ID.String()))
			return customer, nil
		})
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Customer, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	customerID, err := s.parseID(id)
	if err != nil {
		return domain.Customer{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound.WithEntity("customer", id)
	}

	return *item, nil
}

func (s *Service) Lookup(ctx context.Context, externalID string) (domain.Customer, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Customer{}, domain.ErrInvalidExternalID
	}

	item, err := s.repo.FindByExternalID(ctx, s.db, orgID, externalID)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound.WithEntity("customer", externalID)
	}
	return *item, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateCustomerRequest) (domain.Customer, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	customerID, err := s.parseID(req.ID)
	if err != nil {
		return domain.Customer{}, err
	}

	var updated domain.Customer
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.repo.FindByID(ctx, tx, orgID, customerID)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrNotFound.WithEntity("customer", req.ID)
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return domain.ErrInvalidName
			}
			item.Name = name
		}
		if req.Email != nil {
			email := strings.TrimSpace(*req.Email)
			if email == "" || !strings.Contains(email, "@") {
				return domain.ErrInvalidEmail
			}
			item.Email = email
		}
		if req.Metadata != nil {
			item.Metadata = datatypes.JSONMap(copyMetadata(*req.Metadata))
		}
		item.UpdatedAt = s.clock.Now()

		if err := s.repo.Update(ctx, tx, item); err != nil {
			return err
		}
		updated = *item
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return err
	}

	customerID, err := s.parseID(id)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.repo.FindByID(ctx, tx, orgID, customerID)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrNotFound.WithEntity("customer", id)
		}

		live, err := s.repo.CountLiveSubscriptions(ctx, tx, orgID, customerID)
		if err != nil {
			return err
		}
		if live > 0 {
			return domain.ErrHasSubscriptions.WithEntity("customer", id)
		}

		if err := s.repo.SoftDelete(ctx, tx, orgID, customerID); err != nil {
			return err
		}
		s.log.Info("customer deleted", zap.String("customer_id", id))
		return nil
	})
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	req.Query = ""
	return s.list(ctx, req)
}

// Search matches Query against name, email and external id.
func (s *Service) Search(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	return s.list(ctx, req)
}

func (s *Service) list(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	filter := domain.ListCustomerFilter{
		Name:        strings.TrimSpace(req.Name),
		Email:       strings.TrimSpace(req.Email),
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		Query:       strings.TrimSpace(req.Query),
		CreatedFrom: req.CreatedFrom,
		CreatedTo:   req.CreatedTo,
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	customers, info := pagination.Trim(items, pageSize, func(c *domain.Customer) string {
		return pagination.CursorFor(c.ID.String(), c.CreatedAt)
	})
	return domain.ListCustomerResponse{PageInfo: info, Customers: customers}, nil
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out[k] = v
	}
	return out
}
