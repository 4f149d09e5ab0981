package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/platform/httpx"
	"github.com/larder-erp/larder/internal/shared"
)

var validate = validator.New()

// Handler wires HTTP endpoints for the stock engine.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/postings", h.handlePost)
	r.Post("/allocations", h.handleAllocate)
	r.Post("/lots", h.handleRegisterLot)
	r.Get("/on-hand", h.handleOnHand)
	r.Get("/balance", h.handleBalance)
	r.Get("/lots", h.handleLotBalances)
	r.Get("/fefo-candidates", h.handleFEFOCandidates)
	r.Get("/valuation/average", h.handleAverageCost)
	r.Get("/valuation/fifo", h.handleFIFOValuation)
	r.Get("/card", h.handleStockCard)
}

type postRequest struct {
	ProductID     uuid.UUID        `json:"product_id" validate:"required"`
	LocationID    uuid.UUID        `json:"location_id" validate:"required"`
	LotID         *uuid.UUID       `json:"lot_id"`
	MovementType  string           `json:"movement_type" validate:"required"`
	Quantity      decimal.Decimal  `json:"quantity" validate:"required"`
	UnitCost      *decimal.Decimal `json:"unit_cost"`
	ReferenceType string           `json:"reference_type" validate:"required"`
	ReferenceID   uuid.UUID        `json:"reference_id" validate:"required"`
	Note          string           `json:"note"`
}

type postResponse struct {
	EntryID      int64                  `json:"entry_id"`
	Quantity     decimal.Decimal        `json:"quantity"`
	LayerID      *int64                 `json:"layer_id,omitempty"`
	ConsumedCost decimal.Decimal        `json:"consumed_cost"`
	Consumptions []CostLayerConsumption `json:"consumptions,omitempty"`
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req postRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := PostInput{
		TenantID:   tenantID,
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		LotID:      toNullUUID(req.LotID),
		Type:       MovementType(req.MovementType),
		Quantity:   req.Quantity,
		Reference:  Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		Note:       req.Note,
		ActorID:    shared.ActorRefFromContext(r.Context()),
	}
	if req.UnitCost != nil {
		input.UnitCost = decimal.NewNullDecimal(*req.UnitCost)
	}
	result, err := h.service.Post(r.Context(), input)
	if err != nil {
		h.respondError(w, "post movement", err)
		return
	}
	resp := postResponse{
		EntryID:      result.Entry.ID,
		Quantity:     result.Entry.Quantity,
		ConsumedCost: result.ConsumedCost(),
		Consumptions: result.Consumptions,
	}
	if result.Layer != nil {
		resp.LayerID = &result.Layer.ID
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

type allocateRequest struct {
	ProductID     uuid.UUID       `json:"product_id" validate:"required"`
	LocationID    uuid.UUID       `json:"location_id" validate:"required"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	MovementType  string          `json:"movement_type"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   *uuid.UUID      `json:"reference_id"`
	AllowPartial  bool            `json:"allow_partial"`
	ReserveOnly   bool            `json:"reserve_only"`
	Note          string          `json:"note"`
}

type allocateResponse struct {
	Allocations       []LotAllocation `json:"allocations"`
	QuantityAllocated decimal.Decimal `json:"quantity_allocated"`
	FullyAllocated    bool            `json:"fully_allocated"`
	Posted            int             `json:"posted"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := AllocationInput{
		TenantID:     tenantID,
		ProductID:    req.ProductID,
		LocationID:   req.LocationID,
		Quantity:     req.Quantity,
		Type:         MovementType(req.MovementType),
		AllowPartial: req.AllowPartial,
		ReserveOnly:  req.ReserveOnly,
		Note:         req.Note,
		ActorID:      shared.ActorRefFromContext(r.Context()),
	}
	if req.ReferenceID != nil {
		input.Reference = Reference{Type: req.ReferenceType, ID: *req.ReferenceID}
	}
	result, err := h.service.Allocate(r.Context(), input)
	if err != nil {
		h.respondError(w, "allocate", err)
		return
	}
	status := http.StatusCreated
	if req.ReserveOnly {
		status = http.StatusOK
	}
	httpx.JSON(w, status, allocateResponse{
		Allocations:       result.Allocations,
		QuantityAllocated: result.QuantityAllocated,
		FullyAllocated:    result.FullyAllocated,
		Posted:            len(result.Postings),
	})
}

type registerLotRequest struct {
	ProductID       uuid.UUID  `json:"product_id" validate:"required"`
	LocationID      uuid.UUID  `json:"location_id" validate:"required"`
	LotNumber       string     `json:"lot_number" validate:"required"`
	ExpiryDate      *time.Time `json:"expiry_date"`
	ManufactureDate *time.Time `json:"manufacture_date"`
	ReceivedDate    time.Time  `json:"received_date"`
}

func (h *Handler) handleRegisterLot(w http.ResponseWriter, r *http.Request) {
	tenantID, err := shared.RequireTenant(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req registerLotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lot, err := h.service.RegisterLot(r.Context(), RegisterLotInput{
		TenantID:        tenantID,
		ProductID:       req.ProductID,
		LocationID:      req.LocationID,
		LotNumber:       req.LotNumber,
		ExpiryDate:      req.ExpiryDate,
		ManufactureDate: req.ManufactureDate,
		ReceivedDate:    req.ReceivedDate,
	})
	if err != nil {
		h.respondError(w, "register lot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) handleOnHand(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balance, err := h.service.OnHand(r.Context(), tenantID, productID, locationID)
	if err != nil {
		h.respondError(w, "on hand", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"quantity": balance})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := Key{TenantID: tenantID, ProductID: productID, LocationID: locationID}
	if raw := r.URL.Query().Get("lot_id"); raw != "" {
		lotID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "lot_id must be a uuid")
			return
		}
		key.LotID = uuid.NullUUID{UUID: lotID, Valid: true}
	}
	var cutoff time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be RFC3339")
			return
		}
		cutoff = parsed
	}
	balance, err := h.service.BalanceAsOf(r.Context(), key, cutoff)
	if err != nil {
		h.respondError(w, "balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"quantity": balance})
}

func (h *Handler) handleLotBalances(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	statuses, err := h.service.LotBalancesWithStatus(r.Context(), tenantID, productID, locationID)
	if err != nil {
		h.respondError(w, "lot balances", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": statuses})
}

func (h *Handler) handleFEFOCandidates(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	candidates, err := h.service.FEFOCandidates(r.Context(), tenantID, productID, locationID)
	if err != nil {
		h.respondError(w, "fefo candidates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (h *Handler) handleAverageCost(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	cost, err := h.service.AverageCost(r.Context(), tenantID, productID, locationID)
	if err != nil {
		h.respondError(w, "average cost", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"unit_cost": cost})
}

func (h *Handler) handleFIFOValuation(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	layers, total, err := h.service.FIFOValuation(r.Context(), tenantID, productID, locationID)
	if err != nil {
		h.respondError(w, "fifo valuation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"layers": layers, "total": total})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	tenantID, productID, locationID, err := queryScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := EntryFilter{TenantID: tenantID, ProductID: productID, LocationID: locationID, Limit: 500}
	q := r.URL.Query()
	if raw := q.Get("lot_id"); raw != "" {
		lotID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "lot_id must be a uuid")
			return
		}
		filter.LotID = uuid.NullUUID{UUID: lotID, Valid: true}
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, "stock card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// respondError maps stock typed errors first, then falls back to the shared
// mapping. Cost-basis divergence never leaks detail to the caller.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"type":      "insufficient_stock",
			"title":     "Insufficient Stock",
			"status":    http.StatusUnprocessableEntity,
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
	case errors.Is(err, ErrInsufficientCostBasis):
		h.logger.Error(op+" cost basis divergence", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) &&
			!errors.Is(err, shared.ErrAlreadyPosted) && !errors.Is(err, shared.ErrTenantRequired) {
			h.logger.Error(op+" failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func queryScope(r *http.Request) (tenantID, productID, locationID uuid.UUID, err error) {
	tenantID, err = shared.RequireTenant(r.Context())
	if err != nil {
		return
	}
	productID, err = uuid.Parse(r.URL.Query().Get("product_id"))
	if err != nil {
		err = fmt.Errorf("%w: product_id must be a uuid", shared.ErrValidation)
		return
	}
	locationID, err = uuid.Parse(r.URL.Query().Get("location_id"))
	if err != nil {
		err = fmt.Errorf("%w: location_id must be a uuid", shared.ErrValidation)
	}
	return
}
