// Package documents holds helpers shared by the document workflow packages.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/platform/httpx"
	"github.com/larder-erp/larder/internal/shared"
	"github.com/larder-erp/larder/internal/stock"
)

// RespondError maps engine and workflow errors to HTTP responses. Expected
// domain failures are not logged; everything else is.
func RespondError(logger *slog.Logger, w http.ResponseWriter, op string, err error) {
	var insufficient *stock.InsufficientStockError
	if errors.As(err, &insufficient) {
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"type":      "insufficient_stock",
			"title":     "Insufficient Stock",
			"status":    http.StatusUnprocessableEntity,
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
		return
	}
	if errors.Is(err, stock.ErrInsufficientCostBasis) {
		logger.Error(op+" cost basis divergence", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) &&
		!errors.Is(err, shared.ErrInvalidStateTransition) && !errors.Is(err, shared.ErrAlreadyPosted) &&
		!errors.Is(err, shared.ErrIdempotencyConflict) {
		logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// GenerateNumber derives a timestamped document number.
func GenerateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// DefaultTime substitutes now for a zero time.
func DefaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

// LineReference derives a stable per-line ledger reference so retrying a
// partially posted document never double-posts a line.
func LineReference(refType string, docID uuid.UUID, lineID int64) stock.Reference {
	id := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%s:%d", refType, docID, lineID)))
	return stock.Reference{Type: refType, ID: id}
}

// RecoverLineCost sums the consumed value the postings under ref booked on an
// earlier committed attempt, so a retried batch keeps the skipped line's cost.
func RecoverLineCost(ctx context.Context, b *stock.Batch, tenantID uuid.UUID, ref stock.Reference) (decimal.Decimal, error) {
	postings, err := b.Posted(ctx, tenantID, ref)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, posting := range postings {
		total = total.Add(posting.ConsumedCost())
	}
	return total, nil
}
