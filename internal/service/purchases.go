package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.PurchaseBatch, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := s.validateStruct(req); err != nil {
		return domain.PurchaseBatch{}, err
	}
	if err := validatePrices(req.BuyingPrice, req.SellingPrice); err != nil {
		return domain.PurchaseBatch{}, err
	}
	purchaseDate, err := parseDate("date", req.Date, startOfDay(s.now()))
	if err != nil {
		return domain.PurchaseBatch{}, err
	}
	if err := s.requireProduct(ctx, req.ProductID); err != nil {
		return domain.PurchaseBatch{}, err
	}

	created, err := s.repo.CreateBatch(ctx, domain.PurchaseBatch{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		BuyingPrice:    req.BuyingPrice,
		SellingPrice:   req.SellingPrice,
		WarrantyMonths: req.WarrantyMonths,
		PurchaseDate:   purchaseDate,
		CreatedBy:      actorName(ctx),
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return domain.PurchaseBatch{}, err
	}

	s.stock.RecomputeAll(ctx, created.ProductID)
	s.logAudit(ctx, "purchase_create", "purchase", created.ID, logrus.Fields{
		"product_id": created.ProductID,
		"quantity":   created.Quantity,
	})
	return *created, nil
}

// UpdatePurchase rewrites a batch that nothing has drawn from yet. Moving a
// batch to another product refreshes both products' summaries.
func (s *Service) UpdatePurchase(ctx context.Context, id string, req domain.PurchaseUpdateRequest) (domain.PurchaseBatch, error) {
	existing, err := s.repo.GetBatch(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PurchaseBatch{}, err
	}

	updated := *existing
	if req.ProductID != nil {
		productID := strings.TrimSpace(*req.ProductID)
		if productID != existing.ProductID {
			if err := s.requireProduct(ctx, productID); err != nil {
				return domain.PurchaseBatch{}, err
			}
		}
		updated.ProductID = productID
	}
	if req.Quantity != nil {
		if *req.Quantity < 1 {
			return domain.PurchaseBatch{}, store.Invalid("quantity: must be at least 1")
		}
		updated.Quantity = *req.Quantity
	}
	if req.BuyingPrice != nil {
		updated.BuyingPrice = *req.BuyingPrice
	}
	if req.SellingPrice != nil {
		updated.SellingPrice = *req.SellingPrice
	}
	if err := validatePrices(updated.BuyingPrice, updated.SellingPrice); err != nil {
		return domain.PurchaseBatch{}, err
	}
	if req.WarrantyMonths != nil {
		if *req.WarrantyMonths < 0 || *req.WarrantyMonths > 120 {
			return domain.PurchaseBatch{}, store.Invalid("warranty: must be between 0 and 120")
		}
		updated.WarrantyMonths = *req.WarrantyMonths
	}
	if req.Date != nil {
		purchaseDate, err := parseDate("date", *req.Date, existing.PurchaseDate)
		if err != nil {
			return domain.PurchaseBatch{}, err
		}
		updated.PurchaseDate = purchaseDate
	}

	saved, err := s.repo.UpdateBatch(ctx, updated)
	if err != nil {
		return domain.PurchaseBatch{}, err
	}

	s.stock.RecomputeAll(ctx, existing.ProductID, saved.ProductID)
	s.logAudit(ctx, "purchase_update", "purchase", saved.ID, logrus.Fields{
		"product_id": saved.ProductID,
		"quantity":   saved.Quantity,
	})
	return *saved, nil
}

func (s *Service) DeletePurchase(ctx context.Context, id string) error {
	existing, err := s.repo.GetBatch(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBatch(ctx, existing.ID); err != nil {
		return err
	}

	s.stock.RecomputeAll(ctx, existing.ProductID)
	s.logAudit(ctx, "purchase_delete", "purchase", existing.ID, logrus.Fields{"product_id": existing.ProductID})
	return nil
}

func (s *Service) GetPurchase(ctx context.Context, id string) (domain.PurchaseBatch, error) {
	batch, err := s.repo.GetBatch(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PurchaseBatch{}, err
	}
	return *batch, nil
}

func (s *Service) ListPurchases(ctx context.Context, productID string, limit int) ([]domain.PurchaseBatch, error) {
	return s.repo.ListBatches(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) ListAvailableBatches(ctx context.Context, productID string) ([]domain.PurchaseBatch, error) {
	productID = strings.TrimSpace(productID)
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListAvailableBatches(ctx, productID)
}

// ProductStock answers from the cached summary when possible.
func (s *Service) ProductStock(ctx context.Context, productID string) (domain.InventorySummary, error) {
	productID = strings.TrimSpace(productID)
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return domain.InventorySummary{}, err
	}
	return s.stock.Stock(ctx, productID)
}

func (s *Service) RecomputeStock(ctx context.Context, productID string) (domain.InventorySummary, error) {
	productID = strings.TrimSpace(productID)
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return domain.InventorySummary{}, err
	}
	return s.stock.Recompute(ctx, productID)
}

// requireProduct reports a missing product as bad input rather than a
// missing resource: the caller named it inside a request body.
func (s *Service) requireProduct(ctx context.Context, productID string) error {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Invalid("product %s not found", productID)
		}
		return err
	}
	return nil
}

func validatePrices(buying decimal.Decimal, selling decimal.Decimal) error {
	if !buying.IsPositive() {
		return store.Invalid("buying_price: must be greater than 0")
	}
	if !selling.IsPositive() {
		return store.Invalid("selling_price: must be greater than 0")
	}
	return nil
}
