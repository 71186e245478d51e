package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"repairpos/internal/domain"
	"repairpos/internal/service"
)

func (a *API) handlePurchases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		productID := strings.TrimSpace(r.URL.Query().Get("product_id"))
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		purchases, err := a.service.ListPurchases(r.Context(), productID, limit)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
	case http.MethodPost:
		var req domain.PurchaseCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		purchase, err := a.service.CreatePurchase(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"purchase": purchase})
	default:
		writeMethodNotAllowed(w)
	}
}

// handlePurchaseActions serves the fixed undo routes first, then
// /purchases/{id}, /purchases/{id}/undo and /purchases/{id}/returns.
func (a *API) handlePurchaseActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r, "/api/v1/purchases/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("purchase id required"))
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "undo-last":
		a.handleUndoLastPurchase(w, r)
	case len(parts) == 1 && parts[0] == "undo-logs":
		a.handlePurchaseUndoLogs(w, r)
	case len(parts) == 2 && parts[0] == "undo-logs" && parts[1] == "export-csv":
		a.handlePurchaseUndoLogExport(w, r)
	case len(parts) == 1:
		a.handlePurchase(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "undo":
		a.handleUndoPurchase(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "returns":
		a.handleSupplierReturns(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	}
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		purchase, err := a.service.GetPurchase(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchase": purchase})
	case http.MethodPatch:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.PurchaseUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		purchase, err := a.service.UpdatePurchase(r.Context(), id, req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchase": purchase})
	case http.MethodDelete:
		if !requireAdmin(w, r) {
			return
		}
		if err := a.service.DeletePurchase(r.Context(), id); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleUndoPurchase(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	var req domain.UndoRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	purchase, err := a.service.UndoPurchase(r.Context(), id, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": purchase})
}

func (a *API) handleUndoLastPurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.UndoRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	purchase, err := a.service.UndoLastPurchase(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": purchase})
}

func (a *API) handleSupplierReturns(w http.ResponseWriter, r *http.Request, purchaseID string) {
	switch r.Method {
	case http.MethodGet:
		returns, err := a.service.ListSupplierReturns(r.Context(), purchaseID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
	case http.MethodPost:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.SupplierReturnRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ret, err := a.service.CreateSupplierReturn(r.Context(), purchaseID, req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchaseUndoLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	page, err := a.service.ListPurchaseUndoLogs(r.Context(), undoLogQuery(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handlePurchaseUndoLogExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	export, err := a.service.ExportPurchaseUndoLogs(r.Context(), undoLogQuery(r), r.URL.Query().Get("format"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r, "/api/v1/sales/")
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
		return
	}

	if parts[0] == "undo-logs" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		if !requireAdmin(w, r) {
			return
		}
		page, err := a.service.ListSaleUndoLogs(r.Context(), undoLogQuery(r))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	id := parts[0]
	switch r.Method {
	case http.MethodGet:
		sale, err := a.service.GetSale(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
	case http.MethodDelete:
		var req domain.UndoRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Reason == "" {
			req.Reason = r.URL.Query().Get("reason")
		}
		if err := a.service.DeleteSale(r.Context(), id, req); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func undoLogQuery(r *http.Request) service.UndoLogQuery {
	q := r.URL.Query()
	page, _ := strconv.Atoi(strings.TrimSpace(q.Get("page")))
	return service.UndoLogQuery{
		Page:      page,
		Limit:     parsePositiveLimit(q.Get("limit"), 10, 100),
		Search:    q.Get("search"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
}
