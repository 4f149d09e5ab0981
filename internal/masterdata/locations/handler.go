package locations

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/larder-erp/larder/internal/masterdata/shared"
	"github.com/larder-erp/larder/internal/platform/httpx"
	internalShared "github.com/larder-erp/larder/internal/shared"
)

type Handler struct {
	logger  *slog.Logger
	service *Service
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers location routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.deactivate)
}

type locationForm struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	IsActive *bool  `json:"is_active"`
}

func (f locationForm) apply(l Location) Location {
	l.Code = f.Code
	l.Name = f.Name
	l.Kind = f.Kind
	l.IsActive = true
	if f.IsActive != nil {
		l.IsActive = *f.IsActive
	}
	return l
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filters := shared.ListFilters{Search: q.Get("search"), Kind: q.Get("kind")}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	if raw := q.Get("is_active"); raw != "" {
		active := raw == "true"
		filters.IsActive = &active
	}
	locs, total, err := h.service.List(r.Context(), tenantID, filters)
	if err != nil {
		h.logger.Error("list locations failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": locs, "total": total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	location, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, location)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var form locationForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	location, err := h.service.Create(r.Context(), form.apply(Location{TenantID: tenantID}))
	if err != nil {
		h.logger.Error("create location failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, location)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	var form locationForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	current, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	location, err := h.service.Update(r.Context(), form.apply(current))
	if err != nil {
		h.logger.Error("update location failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, location)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	if err := h.service.Deactivate(r.Context(), tenantID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
