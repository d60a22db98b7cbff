package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/creditnote/domain"
	"github.com/smallbiznis/billcore/internal/idempotency"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/numbering"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
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
	Locker      locker.Locker
	Audit       auditdomain.Service
	Idempotency *idempotency.Store
	Invoices    invoicedomain.Service
	Wallets     walletdomain.Service
	Repo        domain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	locker      locker.Locker
	audit       auditdomain.Service
	idempotency *idempotency.Store
	invoices    invoicedomain.Service
	wallets     walletdomain.Service
	repo        domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("creditnote.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		locker:      p.Locker,
		audit:       p.Audit,
		idempotency: p.Idempotency,
		invoices:    p.Invoices,
		wallets:     p.Wallets,
		repo:        p.Repo,
	}
}

// Create drafts a credit note. What all DRAFT and FINALIZED notes credit on
// a line item never exceeds the line item amount.
func (s *Service) Create(ctx context.Context, req domain.CreateCreditNoteRequest) (domain.CreditNote, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.CreditNote{}, err
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil || invoiceID == 0 {
		return domain.CreditNote{}, domain.ErrInvalidInvoice
	}
	if len(req.Lines) == 0 {
		return domain.CreditNote{}, domain.ErrInvalidLine
	}

	requested := make(map[snowflake.ID]int64, len(req.Lines))
	lineIDs := make([]snowflake.ID, 0, len(req.Lines))
	for _, line := range req.Lines {
		lineItemID, err := snowflake.ParseString(strings.TrimSpace(line.LineItemID))
		if err != nil || lineItemID == 0 {
			return domain.CreditNote{}, domain.ErrInvalidLine
		}
		if line.Amount <= 0 {
			return domain.CreditNote{}, domain.ErrInvalidAmount
		}
		requested[lineItemID] += line.Amount
		lineIDs = append(lineIDs, lineItemID)
	}

	unlock, err := s.locker.Lock(ctx, invoicedomain.LockKey(invoiceID))
	if err != nil {
		return domain.CreditNote{}, err
	}
	defer unlock()

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "creditnote.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.CreditNote, error) {
			invoice, err := s.invoices.FindForUpdateTx(ctx, tx, orgID, invoiceID)
			if err != nil {
				return domain.CreditNote{}, err
			}
			if invoice.Status != invoicedomain.StatusFinalized {
				return domain.CreditNote{}, domain.ErrInvoiceState.
					WithEntity("invoice", invoiceID.String()).
					WithTransition(string(invoice.Status), "CREDITED")
			}

			items := make(map[snowflake.ID]invoicedomain.LineItem, len(invoice.Lines))
			for _, item := range invoice.Lines {
				items[item.ID] = item
			}
			credited, err := s.repo.CreditedByLine(ctx, tx, invoiceID)
			if err != nil {
				return domain.CreditNote{}, err
			}
			for lineItemID, amount := range requested {
				item, ok := items[lineItemID]
				if !ok {
					return domain.CreditNote{}, domain.ErrInvalidLine.WithEntity("line_item", lineItemID.String())
				}
				if credited[lineItemID]+amount > item.Amount {
					return domain.CreditNote{}, domain.ErrExceedsLine.WithEntity("line_item", lineItemID.String())
				}
			}

			now := s.clock.Now()
			number, err := numbering.Next(numbering.Template(s.billing.Get().CreditNoteNumberPrefix), now)
			if err != nil {
				return domain.CreditNote{}, err
			}
			note := domain.CreditNote{
				ID:         s.genID.Generate(),
				OrgID:      orgID,
				InvoiceID:  invoiceID,
				CustomerID: invoice.CustomerID,
				Number:     number,
				Currency:   invoice.Currency,
				Status:     domain.StatusDraft,
				Reason:     strings.TrimSpace(req.Reason),
				Metadata:   datatypes.JSONMap(copyMetadata(req.Metadata)),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			for i, line := range req.Lines {
				note.Lines = append(note.Lines, domain.Line{
					ID:           s.genID.Generate(),
					OrgID:        orgID,
					CreditNoteID: note.ID,
					InvoiceID:    invoiceID,
					LineItemID:   lineIDs[i],
					Amount:       line.Amount,
					Description:  strings.TrimSpace(line.Description),
					CreatedAt:    now,
				})
				note.Total += line.Amount
			}

			if err := s.repo.Insert(ctx, tx, &note); err != nil {
				return domain.CreditNote{}, err
			}
			if err := s.repo.InsertLines(ctx, tx, note.Lines); err != nil {
				return domain.CreditNote{}, err
			}
			if err := s.audit.Record(ctx, tx, auditdomain.Entry{
				OrgID:      orgID,
				Action:     "credit_note.create",
				TargetType: "credit_note",
				TargetID:   note.ID.String(),
				To:         string(note.Status),
				Metadata:   map[string]any{"invoice_id": invoiceID.String(), "total": note.Total},
			}); err != nil {
				return domain.CreditNote{}, err
			}

			s.log.Info("credit note created",
				zap.String("credit_note_id", note.ID.String()),
				zap.String("invoice_id", invoiceID.String()),
				zap.Int64("total", note.Total),
			)
			return note, nil
		})
}

func (s *Service) Get(ctx context.Context, id string) (domain.CreditNote, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.CreditNote{}, err
	}
	noteID, err := parseID(id)
	if err != nil {
		return domain.CreditNote{}, err
	}
	note, err := s.repo.FindByID(ctx, s.db, orgID, noteID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	if note == nil {
		return domain.CreditNote{}, domain.ErrNotFound.WithEntity("credit_note", id)
	}
	lines, err := s.repo.ListLines(ctx, s.db, note.ID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	note.Lines = lines
	return *note, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCreditNoteRequest) (domain.ListCreditNoteResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListCreditNoteResponse{}, err
	}

	filter := domain.ListCreditNoteFilter{Status: req.Status}
	if strings.TrimSpace(req.InvoiceID) != "" {
		invoiceID, err := parseID(req.InvoiceID)
		if err != nil {
			return domain.ListCreditNoteResponse{}, domain.ErrInvalidInvoice
		}
		filter.InvoiceID = invoiceID
	}
	if strings.TrimSpace(req.CustomerID) != "" {
		customerID, err := parseID(req.CustomerID)
		if err != nil {
			return domain.ListCreditNoteResponse{}, err
		}
		filter.CustomerID = customerID
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListCreditNoteResponse{}, err
	}

	notes, info := pagination.Trim(items, pageSize, func(n *domain.CreditNote) string {
		return pagination.CursorFor(n.ID.String(), n.CreatedAt)
	})
	return domain.ListCreditNoteResponse{PageInfo: info, CreditNotes: notes}, nil
}

// Finalize credits the invoice. Credit beyond what the invoice still
// collects goes back to the customer's wallet when one is open in the
// invoice currency.
func (s *Service) Finalize(ctx context.Context, id string) (domain.CreditNote, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.CreditNote{}, err
	}
	noteID, err := parseID(id)
	if err != nil {
		return domain.CreditNote{}, err
	}

	current, err := s.repo.FindByID(ctx, s.db, orgID, noteID)
	if err != nil {
		return domain.CreditNote{}, err
	}
	if current == nil {
		return domain.CreditNote{}, domain.ErrNotFound.WithEntity("credit_note", id)
	}
	keys := []string{invoicedomain.LockKey(current.InvoiceID)}
	wallet, err := s.wallets.FindForCustomerTx(ctx, s.db, orgID, current.CustomerID, current.Currency)
	if err != nil {
		return domain.CreditNote{}, err
	}
	if wallet != nil {
		keys = append(keys, walletdomain.LockKey(wallet.ID))
	}

	unlock, err := s.locker.Lock(ctx, keys...)
	if err != nil {
		return domain.CreditNote{}, err
	}
	defer unlock()

	var finalized domain.CreditNote
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, noteID)
		if err != nil {
			return err
		}
		if note == nil {
			return domain.ErrNotFound.WithEntity("credit_note", id)
		}
		if note.Status != domain.StatusDraft {
			return domain.ErrNotDraft.WithEntity("credit_note", id).
				WithTransition(string(note.Status), string(domain.StatusFinalized))
		}

		_, excess, err := s.invoices.CreditTx(ctx, tx, orgID, note.InvoiceID, note.Total)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if excess > 0 {
			if err := s.refund(ctx, tx, note, excess); err != nil {
				return err
			}
		}
		note.Status = domain.StatusFinalized
		note.FinalizedAt = &now
		note.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, note); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			OrgID:      orgID,
			Action:     "credit_note.finalize",
			TargetType: "credit_note",
			TargetID:   id,
			From:       string(domain.StatusDraft),
			To:         string(note.Status),
			Metadata:   map[string]any{"total": note.Total, "refunded": note.RefundedAmount},
		}); err != nil {
			return err
		}

		lines, err := s.repo.ListLines(ctx, tx, note.ID)
		if err != nil {
			return err
		}
		note.Lines = lines
		finalized = *note
		return nil
	})
	if err != nil {
		return domain.CreditNote{}, err
	}

	s.log.Info("credit note finalized",
		zap.String("credit_note_id", id),
		zap.Int64("total", finalized.Total),
		zap.Int64("refunded", finalized.RefundedAmount),
	)
	return finalized, nil
}

func (s *Service) refund(ctx context.Context, tx *gorm.DB, note *domain.CreditNote, amount int64) error {
	wallet, err := s.wallets.FindForCustomerTx(ctx, tx, note.OrgID, note.CustomerID, note.Currency)
	if err != nil {
		return err
	}
	if wallet == nil || wallet.Status != walletdomain.WalletStatusActive {
		s.log.Warn("no open wallet for credit note refund",
			zap.String("credit_note_id", note.ID.String()),
			zap.Int64("amount", amount),
		)
		return nil
	}

	txn, err := s.wallets.CreditTx(ctx, tx, note.OrgID, walletdomain.Entry{
		WalletID:       wallet.ID,
		Amount:         amount,
		Reason:         walletdomain.ReasonCreditNoteRefund,
		ReferenceType:  "credit_note",
		ReferenceID:    note.ID.String(),
		Description:    "Credit note " + note.Number,
		IdempotencyKey: "credit_note:" + note.ID.String(),
	})
	if err != nil {
		return err
	}
	note.RefundedAmount = amount
	note.WalletTransactionID = &txn.ID
	return nil
}

func parseID(value string) (snowflake.ID, error) {
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
