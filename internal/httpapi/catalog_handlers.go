package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"repairpos/internal/domain"
)

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleProductActions serves /products/{id}, /products/{id}/stock,
// /products/{id}/stock/recompute and /products/{id}/batches.
func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r, "/api/v1/products/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		a.handleProduct(w, r, id)
	case len(parts) == 2 && parts[1] == "stock":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		summary, err := a.service.ProductStock(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock": summary})
	case len(parts) == 3 && parts[1] == "stock" && parts[2] == "recompute":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if !requireAdmin(w, r) {
			return
		}
		summary, err := a.service.RecomputeStock(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock": summary})
	case len(parts) == 2 && parts[1] == "batches":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		batches, err := a.service.ListAvailableBatches(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
	default:
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	}
}

func (a *API) handleProduct(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.UpdateProduct(r.Context(), id, req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodDelete:
		if !requireAdmin(w, r) {
			return
		}
		if err := a.service.DeleteProduct(r.Context(), id); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSuppliers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		suppliers, err := a.service.ListSuppliers(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
	case http.MethodPost:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.SupplierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		supplier, err := a.service.CreateSupplier(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"supplier": supplier})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleCustomers looks one customer up by phone, or lists recent ones.
func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	if phone := strings.TrimSpace(r.URL.Query().Get("phone")); phone != "" {
		customer, err := a.service.FindCustomerByPhone(r.Context(), phone)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	customers, err := a.service.ListCustomers(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}
