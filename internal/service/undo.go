package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

const (
	defaultUndoLogLimit = 10
	maxUndoLogLimit     = 100
)

// UndoLogQuery is the raw listing filter as it arrives from a query string.
type UndoLogQuery struct {
	Page      int
	Limit     int
	Search    string
	StartDate string
	EndDate   string
}

// filter validates the query. Both dates are inclusive; the end date is
// turned into an exclusive bound at the following midnight.
func (q UndoLogQuery) filter() (domain.UndoLogFilter, error) {
	filter := domain.UndoLogFilter{
		Page:   q.Page,
		Limit:  q.Limit,
		Search: strings.TrimSpace(q.Search),
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultUndoLogLimit
	}
	if filter.Limit > maxUndoLogLimit {
		filter.Limit = maxUndoLogLimit
	}

	if strings.TrimSpace(q.StartDate) != "" {
		start, err := parseDate("start_date", q.StartDate, time.Time{})
		if err != nil {
			return domain.UndoLogFilter{}, err
		}
		filter.StartDate = &start
	}
	if strings.TrimSpace(q.EndDate) != "" {
		end, err := parseDate("end_date", q.EndDate, time.Time{})
		if err != nil {
			return domain.UndoLogFilter{}, err
		}
		end = end.AddDate(0, 0, 1)
		filter.EndDate = &end
	}
	if filter.StartDate != nil && filter.EndDate != nil && !filter.StartDate.Before(*filter.EndDate) {
		return domain.UndoLogFilter{}, store.Invalid("start_date must not be after end_date")
	}
	return filter, nil
}

func totalPages(total int, limit int) int {
	if limit < 1 || total == 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// UndoPurchase removes a batch nothing has drawn from and keeps a snapshot of
// it in the purchase undo log.
func (s *Service) UndoPurchase(ctx context.Context, purchaseID string, req domain.UndoRequest) (domain.PurchaseBatch, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.PurchaseBatch{}, err
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return domain.PurchaseBatch{}, store.Invalid("purchase id is required")
	}

	undone, err := s.repo.UndoPurchase(ctx, purchaseID, domain.PurchaseUndoLog{
		UndoneBy: actorName(ctx),
		UndoneAt: s.now().UTC(),
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		return domain.PurchaseBatch{}, err
	}

	s.stock.RecomputeAll(ctx, undone.ProductID)
	s.logAudit(ctx, "purchase_undo", "purchase", undone.ID, logrus.Fields{
		"product_id": undone.ProductID,
		"quantity":   undone.Quantity,
	})
	return *undone, nil
}

// UndoLastPurchase undoes the most recent batch the acting user created
// inside the purchase undo window.
func (s *Service) UndoLastPurchase(ctx context.Context, req domain.UndoRequest) (domain.PurchaseBatch, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.PurchaseBatch{}, err
	}
	since := s.now().UTC().Add(-s.opts.PurchaseUndoWindow)
	latest, err := s.repo.FindLatestBatchByCreator(ctx, actorName(ctx), since)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PurchaseBatch{}, store.NotFound("purchase", "created by "+actorName(ctx)+" within the undo window")
	}
	if err != nil {
		return domain.PurchaseBatch{}, err
	}
	return s.UndoPurchase(ctx, latest.ID, req)
}

func (s *Service) ListPurchaseUndoLogs(ctx context.Context, query UndoLogQuery) (domain.PurchaseUndoLogPage, error) {
	filter, err := query.filter()
	if err != nil {
		return domain.PurchaseUndoLogPage{}, err
	}
	logs, total, err := s.repo.ListPurchaseUndoLogs(ctx, filter)
	if err != nil {
		return domain.PurchaseUndoLogPage{}, err
	}
	if logs == nil {
		logs = []domain.PurchaseUndoLog{}
	}
	return domain.PurchaseUndoLogPage{
		Logs:       logs,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: totalPages(total, filter.Limit),
	}, nil
}
