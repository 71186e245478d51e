package service

import (
	"context"
	"strings"

	"repairpos/internal/domain"
	"repairpos/internal/store"
	"repairpos/internal/warranty"
)

const serialSearchLimit = 10

func (s *Service) CheckWarranty(ctx context.Context, serial string) (domain.WarrantyInfo, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return domain.WarrantyInfo{}, store.Invalid("serial number is required")
	}
	record, err := s.repo.FindSerial(ctx, serial)
	if err != nil {
		return domain.WarrantyInfo{}, err
	}
	return s.warrantyInfo(*record), nil
}

// SearchSerialNumbers backs the serial autocomplete. An empty query matches nothing.
func (s *Service) SearchSerialNumbers(ctx context.Context, query string) ([]domain.WarrantyInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.WarrantyInfo{}, nil
	}
	records, err := s.repo.SearchSerials(ctx, query, serialSearchLimit)
	if err != nil {
		return nil, err
	}

	results := make([]domain.WarrantyInfo, 0, len(records))
	for _, record := range records {
		results = append(results, s.warrantyInfo(record))
	}
	return results, nil
}

func (s *Service) warrantyInfo(record domain.SerialRecord) domain.WarrantyInfo {
	window := warranty.Compute(record.SaleDate, record.WarrantyMonths, s.now())
	return domain.WarrantyInfo{
		SerialNumber:    record.SerialNumber,
		InvoiceID:       record.InvoiceID,
		PurchaseID:      record.PurchaseID,
		ProductID:       record.ProductID,
		ProductTitle:    record.ProductTitle,
		CustomerName:    record.CustomerName,
		CustomerPhone:   record.CustomerPhone,
		SaleDate:        record.SaleDate,
		WarrantyMonths:  record.WarrantyMonths,
		WarrantyEnd:     window.End,
		RemainingDays:   window.RemainingDays,
		IsUnderWarranty: window.Active,
	}
}
