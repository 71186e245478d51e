package httpapi

import (
	"errors"
	"net/http"

	"repairpos/internal/domain"
)

func (a *API) handleRepairs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.RepairCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ticket, err := a.service.CreateRepair(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"repair": ticket})
}

// handleRepairActions serves /repairs/warranty/{serial}, /repairs/serials,
// /repairs/{id} and /repairs/{id}/status.
func (a *API) handleRepairActions(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r, "/api/v1/repairs/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("repair id required"))
		return
	}

	switch {
	case len(parts) == 2 && parts[0] == "warranty":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		info, err := a.service.CheckWarranty(r.Context(), parts[1])
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"warranty": info})
	case len(parts) == 1 && parts[0] == "serials":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		results, err := a.service.SearchSerialNumbers(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"serials": results})
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		ticket, err := a.service.GetRepair(r.Context(), parts[0])
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"repair": ticket})
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.RepairStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.UpdateRepairStatus(r.Context(), parts[0], req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	}
}
