package production

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/documents"
	"github.com/larder-erp/larder/internal/platform/httpx"
	"github.com/larder-erp/larder/internal/shared"
)

// Handler wires HTTP endpoints for production orders.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/start", h.start)
	r.Post("/{id}/complete", h.complete)
	r.Post("/{id}/cancel", h.cancel)
}

type ingredientForm struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type createForm struct {
	Number          string           `json:"number"`
	LocationID      uuid.UUID        `json:"location_id"`
	OutputProductID uuid.UUID        `json:"output_product_id"`
	OutputQuantity  decimal.Decimal  `json:"output_quantity"`
	OutputLotNumber string           `json:"output_lot_number"`
	Note            string           `json:"note"`
	Ingredients     []ingredientForm `json:"ingredients"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	docs, err := h.service.List(r.Context(), tenantID, Status(q.Get("status")), limit, offset)
	if err != nil {
		h.logger.Error("list production orders failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": docs})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var form createForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	input := CreateInput{
		TenantID:        tenantID,
		Number:          form.Number,
		LocationID:      form.LocationID,
		OutputProductID: form.OutputProductID,
		OutputQuantity:  form.OutputQuantity,
		OutputLotNumber: form.OutputLotNumber,
		Note:            form.Note,
		ActorID:         shared.ActorRefFromContext(r.Context()),
	}
	for _, ing := range form.Ingredients {
		input.Ingredients = append(input.Ingredients, IngredientInput{ProductID: ing.ProductID, Quantity: ing.Quantity})
	}
	doc, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, "create production order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	doc, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	doc, err := h.service.Start(r.Context(), tenantID, id, shared.ActorRefFromContext(r.Context()))
	if err != nil {
		h.respondError(w, "start production order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	doc, err := h.service.Complete(r.Context(), tenantID, id, shared.ActorRefFromContext(r.Context()))
	if err != nil {
		h.respondError(w, "complete production order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	if err := h.service.Cancel(r.Context(), tenantID, id, shared.ActorRefFromContext(r.Context())); err != nil {
		h.respondError(w, "cancel production order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	documents.RespondError(h.logger, w, op, err)
}
