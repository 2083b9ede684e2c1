package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"callblast/internal/domain"
	"callblast/internal/recurrence"
	"callblast/internal/service"
	"callblast/internal/store"
)

type API struct {
	Svc *service.CampaignService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns", a.handleList).Methods(http.MethodGet)
	mux.HandleFunc("/v1/admin/campaigns", a.handleAdminList).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleUpdate).Methods(http.MethodPatch)
	mux.HandleFunc("/v1/campaigns/{id}/recipients", a.handleRecipients).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/start", a.action(a.Svc.Start)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/pause", a.action(a.Svc.Pause)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/resume", a.action(a.Svc.Resume)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.action(a.Svc.Cancel)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/rerun", a.action(a.Svc.Rerun)).Methods(http.MethodPost)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.Create(r.Context(), req)
	if err != nil {
		slog.Error("create campaign failed", "err", err, "owner_id", req.OwnerID, "name", req.Name)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		OwnerID: r.URL.Query().Get("owner_id"),
		Limit:   queryInt(r, "limit", 50),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		for _, s := range strings.Split(st, ",") {
			f.Statuses = append(f.Statuses, domain.CampaignStatus(s))
		}
	}

	out, err := a.Svc.List(r.Context(), f)
	if err != nil {
		slog.Error("list campaigns failed", "err", err, "owner_id", f.OwnerID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(out))
}

func (a *API) handleAdminList(w http.ResponseWriter, r *http.Request) {
	out, err := a.Svc.ActiveCampaigns(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		slog.Error("admin list failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(out))
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	c, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var upd domain.UpdateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	c, err := a.Svc.UpdateDraft(r.Context(), id, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleRecipients(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recipients, err := a.Svc.Recipients(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": recipients})
}

// action adapts a lifecycle service call into an HTTP handler.
func (a *API) action(fn func(ctx context.Context, id string) (domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if id == "" {
			http.Error(w, ErrMissingID, http.StatusBadRequest)
			return
		}
		c, err := fn(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func listResponse(in []domain.Campaign) map[string]any {
	if in == nil {
		in = []domain.Campaign{}
	}
	return map[string]any{"campaigns": in}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrNoRecipients),
		errors.Is(err, domain.ErrBadConcurrency),
		errors.Is(err, domain.ErrDraftOnlyUpdate),
		errors.Is(err, recurrence.ErrInvalidRule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
