package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

const walkInCustomerName = "Walk-in Customer"

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Category = strings.TrimSpace(req.Category)
	req.SupplierID = strings.TrimSpace(req.SupplierID)
	if err := s.validateStruct(req); err != nil {
		return domain.Product{}, err
	}
	if err := s.requireSupplier(ctx, req.SupplierID); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Title:          req.Title,
		Category:       defaultString(req.Category, domain.UncategorizedCategory),
		SupplierID:     req.SupplierID,
		Details:        strings.TrimSpace(req.Details),
		RequiresSerial: req.RequiresSerial,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, logrus.Fields{"title": created.Title})
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.Product{}, err
	}
	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return domain.Product{}, store.Invalid("title: is required")
		}
		updated.Title = title
	}
	if req.Category != nil {
		updated.Category = defaultString(strings.TrimSpace(*req.Category), domain.UncategorizedCategory)
	}
	if req.SupplierID != nil {
		supplierID := strings.TrimSpace(*req.SupplierID)
		if err := s.requireSupplier(ctx, supplierID); err != nil {
			return domain.Product{}, err
		}
		updated.SupplierID = supplierID
	}
	if req.Details != nil {
		updated.Details = strings.TrimSpace(*req.Details)
	}
	if req.RequiresSerial != nil {
		updated.RequiresSerial = *req.RequiresSerial
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_update", "product", saved.ID, nil)
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.stock.Forget(ctx, id)
	s.logAudit(ctx, "product_delete", "product", id, nil)
	return nil
}

func (s *Service) requireSupplier(ctx context.Context, supplierID string) error {
	if supplierID == "" {
		return nil
	}
	if _, err := s.repo.GetSupplier(ctx, supplierID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Invalid("supplier %s not found", supplierID)
		}
		return err
	}
	return nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validateStruct(req); err != nil {
		return domain.Supplier{}, err
	}

	created, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		Name:      req.Name,
		Phone:     req.Phone,
		Email:     req.Email,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_create", "supplier", created.ID, logrus.Fields{"name": created.Name})
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) FindCustomerByPhone(ctx context.Context, phone string) (domain.Customer, error) {
	phone = strings.TrimSpace(phone)
	if !phonePattern.MatchString(phone) {
		return domain.Customer{}, store.Invalid("phone: must be 7-15 digits with an optional leading +")
	}
	customer, err := s.repo.FindCustomerByPhone(ctx, phone)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, limit)
}

// resolveCustomer returns the customer owning the phone number, creating a
// record on first contact. A concurrent create of the same phone is resolved
// by reading the winner back.
func (s *Service) resolveCustomer(ctx context.Context, input domain.CustomerInput) (domain.Customer, error) {
	phone := strings.TrimSpace(input.Phone)
	existing, err := s.repo.FindCustomerByPhone(ctx, phone)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Customer{}, err
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:      defaultString(strings.TrimSpace(input.Name), walkInCustomerName),
		Phone:     phone,
		Email:     strings.TrimSpace(input.Email),
		CreatedAt: s.now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		existing, findErr := s.repo.FindCustomerByPhone(ctx, phone)
		if findErr != nil {
			return domain.Customer{}, findErr
		}
		return *existing, nil
	}
	if err != nil {
		return domain.Customer{}, err
	}
	return *created, nil
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
