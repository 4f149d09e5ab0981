package products

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

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

// MountRoutes registers product routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.deactivate)
}

type productForm struct {
	Code          string           `json:"code"`
	Name          string           `json:"name"`
	BaseUnit      string           `json:"base_unit"`
	StandardCost  *decimal.Decimal `json:"standard_cost"`
	LotTracked    bool             `json:"lot_tracked"`
	Perishable    bool             `json:"perishable"`
	FEFOPolicy    string           `json:"fefo_policy"`
	ShelfLifeDays *int             `json:"shelf_life_days"`
	IsActive      *bool            `json:"is_active"`
}

func (f productForm) apply(p Product) Product {
	p.Code = f.Code
	p.Name = f.Name
	p.BaseUnit = f.BaseUnit
	if f.StandardCost != nil {
		p.StandardCost = *f.StandardCost
	}
	p.LotTracked = f.LotTracked
	p.Perishable = f.Perishable
	p.FEFOPolicy = f.FEFOPolicy
	p.ShelfLifeDays = f.ShelfLifeDays
	p.IsActive = true
	if f.IsActive != nil {
		p.IsActive = *f.IsActive
	}
	return p
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filters := shared.ListFilters{
		Search:  q.Get("search"),
		SortBy:  q.Get("sort"),
		SortDir: q.Get("dir"),
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	if raw := q.Get("is_active"); raw != "" {
		active := raw == "true"
		filters.IsActive = &active
	}
	if raw := q.Get("lot_tracked"); raw != "" {
		tracked := raw == "true"
		filters.LotTracked = &tracked
	}

	products, total, err := h.service.List(r.Context(), tenantID, filters)
	if err != nil {
		h.logger.Error("list products failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": products, "total": total})
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
	product, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, err := internalShared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var form productForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	product, err := h.service.Create(r.Context(), form.apply(Product{TenantID: tenantID}))
	if err != nil {
		h.logger.Error("create product failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
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
	var form productForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	current, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := h.service.Update(r.Context(), form.apply(current))
	if err != nil {
		h.logger.Error("update product failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
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
