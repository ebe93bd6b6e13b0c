package inventory

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tradewind-erp/tradewind/internal/platform/httpx"
)

// Handler exposes read-only stock endpoints. Mutations only happen through
// document approvals, never through HTTP directly.
type Handler struct {
	svc *Service
}

// NewHandler constructs Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the stock router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{warehouseID}/{productID}", h.balance)
	r.Get("/{warehouseID}/{productID}/movements", h.movements)
	return r
}

func pairParams(r *http.Request) (int64, int64, error) {
	warehouseID, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return warehouseID, productID, nil
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, err := pairParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Pair", err.Error())
		return
	}
	qty, err := h.svc.QuantityOf(r.Context(), warehouseID, productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"warehouse_id": warehouseID,
		"product_id":   productID,
		"qty":          qty,
	})
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, err := pairParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Pair", err.Error())
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	movements, err := h.svc.Movements(r.Context(), warehouseID, productID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}
