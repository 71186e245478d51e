package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

// CreateSale validates every line, resolves which batches serve it and hands
// the whole invoice to the store, which decrements stock atomically. Nothing
// is written until all lines have passed validation.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
		req.Items[i].PurchaseID = strings.TrimSpace(req.Items[i].PurchaseID)
		req.Items[i].SerialNumbers = trimSerials(req.Items[i].SerialNumbers)
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Sale{}, err
	}
	if req.AmountPaid.IsNegative() {
		return domain.Sale{}, store.Invalid("amount_paid: must not be negative")
	}
	if req.ChangeAmount.IsNegative() {
		return domain.Sale{}, store.Invalid("change_amount: must not be negative")
	}
	if err := s.checkSerials(ctx, req.Items); err != nil {
		return domain.Sale{}, err
	}

	lines, err := s.allocateLines(ctx, req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	customer, err := s.resolveCustomer(ctx, req.Customer)
	if err != nil {
		return domain.Sale{}, err
	}

	now := s.now().UTC()
	created, err := s.repo.CreateSale(ctx, domain.Sale{
		CustomerID:    customer.ID,
		Date:          now,
		PaymentMethod: defaultString(req.PaymentMethod, domain.PaymentCash),
		AmountPaid:    req.AmountPaid,
		ChangeAmount:  req.ChangeAmount,
		CreatedBy:     actorName(ctx),
		Lines:         lines,
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.stock.RecomputeAll(ctx, saleProductIDs(created)...)
	s.logAudit(ctx, "sale_create", "sale", created.ID, logrus.Fields{
		"customer_id": created.CustomerID,
		"total":       created.Total.StringFixed(2),
		"lines":       len(created.Lines),
	})
	return *created, nil
}

func trimSerials(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, len(serials))
	for i, serial := range serials {
		out[i] = strings.TrimSpace(serial)
	}
	return out
}

// checkSerials enforces discount bounds, serial counts, uniqueness inside the
// invoice and that no serial has been sold before.
func (s *Service) checkSerials(ctx context.Context, items []domain.SaleLineRequest) error {
	seen := make(map[string]int)
	for i, item := range items {
		if !domain.ValidDiscount(item.Discount) {
			return store.Invalid("items[%d].discount: must be between 0 and 100", i)
		}

		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Invalid("items[%d]: product %s not found", i, item.ProductID)
		}
		if err != nil {
			return err
		}

		switch {
		case product.RequiresSerial && len(item.SerialNumbers) != item.Quantity:
			return store.Invalid("items[%d]: %s requires %d serial numbers, got %d", i, product.Title, item.Quantity, len(item.SerialNumbers))
		case len(item.SerialNumbers) > 0 && len(item.SerialNumbers) != item.Quantity:
			return store.Invalid("items[%d]: serial_numbers must list one serial per unit", i)
		}

		for _, serial := range item.SerialNumbers {
			key := strings.ToUpper(serial)
			if prev, dup := seen[key]; dup {
				return store.Invalid("serial %s appears on items[%d] and items[%d]", serial, prev, i)
			}
			seen[key] = i

			record, err := s.repo.FindSerial(ctx, serial)
			if err == nil {
				return store.Invalid("serial %s was already sold on invoice %s", serial, record.InvoiceID)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// allocateLines turns request items into sale lines bound to batches. Items
// naming a purchase_id use that batch; the rest draw from the oldest batches
// first and may split across several of them.
func (s *Service) allocateLines(ctx context.Context, items []domain.SaleLineRequest) ([]domain.SaleLine, error) {
	claimed := make(map[string]int)
	available := make(map[string][]domain.PurchaseBatch)
	lines := make([]domain.SaleLine, 0, len(items))

	for i, item := range items {
		if item.PurchaseID != "" {
			batch, err := s.repo.GetBatch(ctx, item.PurchaseID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, store.Invalid("items[%d]: purchase %s not found", i, item.PurchaseID)
			}
			if err != nil {
				return nil, err
			}
			if batch.ProductID != item.ProductID {
				return nil, store.Invalid("items[%d]: purchase %s does not belong to product %s", i, item.PurchaseID, item.ProductID)
			}
			left := batch.RemainingQuantity - claimed[batch.ID]
			if left < item.Quantity {
				return nil, &store.InsufficientStockError{
					ProductID: item.ProductID,
					Product:   batch.ProductTitle,
					Requested: item.Quantity,
					Available: max(left, 0),
				}
			}
			claimed[batch.ID] += item.Quantity
			lines = append(lines, saleLine(item, batch.ID, item.Quantity, item.SerialNumbers))
			continue
		}

		batches, ok := available[item.ProductID]
		if !ok {
			var err error
			batches, err = s.repo.ListAvailableBatches(ctx, item.ProductID)
			if err != nil {
				return nil, err
			}
			available[item.ProductID] = batches
		}

		total := 0
		for _, batch := range batches {
			total += max(batch.RemainingQuantity-claimed[batch.ID], 0)
		}
		if total < item.Quantity {
			title := item.ProductID
			if product, err := s.repo.GetProduct(ctx, item.ProductID); err == nil {
				title = product.Title
			}
			return nil, &store.InsufficientStockError{
				ProductID: item.ProductID,
				Product:   title,
				Requested: item.Quantity,
				Available: total,
			}
		}

		need := item.Quantity
		serials := item.SerialNumbers
		for _, batch := range batches {
			if need == 0 {
				break
			}
			take := min(batch.RemainingQuantity-claimed[batch.ID], need)
			if take <= 0 {
				continue
			}
			var chunk []string
			if len(serials) > 0 {
				chunk, serials = serials[:take], serials[take:]
			}
			claimed[batch.ID] += take
			need -= take
			lines = append(lines, saleLine(item, batch.ID, take, chunk))
		}
	}
	return lines, nil
}

func saleLine(item domain.SaleLineRequest, purchaseID string, quantity int, serials []string) domain.SaleLine {
	return domain.SaleLine{
		ProductID:     item.ProductID,
		PurchaseID:    purchaseID,
		Quantity:      quantity,
		SerialNumbers: append([]string{}, serials...),
		Discount:      item.Discount,
	}
}

func saleProductIDs(sale *domain.Sale) []string {
	ids := make([]string, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// DeleteSale voids an invoice inside the undo window, returning its units to
// the batches they came from and keeping a full snapshot in the undo log.
func (s *Service) DeleteSale(ctx context.Context, id string, req domain.UndoRequest) error {
	if err := s.validateStruct(req); err != nil {
		return err
	}
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if now.Sub(sale.Date) > s.opts.SaleUndoWindow {
		return store.Conflict("sale %s is older than %s and can no longer be deleted", sale.ID, s.opts.SaleUndoWindow)
	}

	snapshot, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("snapshot sale %s: %w", sale.ID, err)
	}
	undo := domain.SaleUndoLog{
		InvoiceID:  sale.ID,
		CustomerID: sale.CustomerID,
		Total:      sale.Total,
		Snapshot:   snapshot,
		UndoneBy:   actorName(ctx),
		UndoneAt:   now,
		Reason:     strings.TrimSpace(req.Reason),
	}
	if err := s.repo.DeleteSale(ctx, sale.ID, undo); err != nil {
		return err
	}

	s.stock.RecomputeAll(ctx, saleProductIDs(sale)...)
	s.logAudit(ctx, "sale_delete", "sale", sale.ID, logrus.Fields{
		"total":  sale.Total.StringFixed(2),
		"reason": undo.Reason,
	})
	return nil
}

func (s *Service) ListSaleUndoLogs(ctx context.Context, query UndoLogQuery) (domain.SaleUndoLogPage, error) {
	filter, err := query.filter()
	if err != nil {
		return domain.SaleUndoLogPage{}, err
	}
	logs, total, err := s.repo.ListSaleUndoLogs(ctx, filter)
	if err != nil {
		return domain.SaleUndoLogPage{}, err
	}
	if logs == nil {
		logs = []domain.SaleUndoLog{}
	}
	return domain.SaleUndoLogPage{
		Logs:       logs,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: totalPages(total, filter.Limit),
	}, nil
}
