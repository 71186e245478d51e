package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

// CreateSupplierReturn sends unsold units of a batch back to the supplier.
// The batch shrinks in both quantity and remaining stock.
func (s *Service) CreateSupplierReturn(ctx context.Context, purchaseID string, req domain.SupplierReturnRequest) (domain.SupplierReturn, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.SupplierReturn{}, err
	}
	purchaseID = strings.TrimSpace(purchaseID)
	if purchaseID == "" {
		return domain.SupplierReturn{}, store.Invalid("purchase id is required")
	}

	batch, err := s.repo.GetBatch(ctx, purchaseID)
	if err != nil {
		return domain.SupplierReturn{}, err
	}

	created, err := s.repo.CreateSupplierReturn(ctx, domain.SupplierReturn{
		PurchaseID: batch.ID,
		Quantity:   req.Quantity,
		Reason:     strings.TrimSpace(req.Reason),
		Date:       s.now().UTC(),
		CreatedBy:  actorName(ctx),
	})
	if err != nil {
		return domain.SupplierReturn{}, err
	}

	s.stock.RecomputeAll(ctx, batch.ProductID)
	s.logAudit(ctx, "supplier_return", "purchase", batch.ID, logrus.Fields{
		"quantity": created.Quantity,
		"refund":   created.Refund.StringFixed(2),
	})
	return *created, nil
}

func (s *Service) ListSupplierReturns(ctx context.Context, purchaseID string) ([]domain.SupplierReturn, error) {
	purchaseID = strings.TrimSpace(purchaseID)
	if _, err := s.repo.GetBatch(ctx, purchaseID); err != nil {
		return nil, err
	}
	return s.repo.ListSupplierReturns(ctx, purchaseID)
}
