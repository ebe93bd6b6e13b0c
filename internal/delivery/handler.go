package delivery

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tradewind-erp/tradewind/internal/platform/httpx"
)

// Handler exposes delivery endpoints.
type Handler struct {
	svc *Service
}

// NewHandler constructs Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the delivery router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/pick", h.pick)
	r.Post("/{id}/ship", h.ship)
	r.Post("/{id}/deliver", h.deliver)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/order-lines/{id}/usage", h.orderLineUsage)
	return r
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateDeliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	d, err := h.svc.Create(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req UpdateDeliveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	d, err := h.svc.Update(r.Context(), id, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transitionHandler(fn func(r *http.Request, id int64) (*Delivery, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
			return
		}
		d, err := fn(r, id)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, d)
	}
}

func (h *Handler) pick(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(r *http.Request, id int64) (*Delivery, error) {
		return h.svc.Pick(r.Context(), id)
	})(w, r)
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(r *http.Request, id int64) (*Delivery, error) {
		return h.svc.Ship(r.Context(), id)
	})(w, r)
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(r *http.Request, id int64) (*Delivery, error) {
		return h.svc.MarkDelivered(r.Context(), id)
	})(w, r)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(r *http.Request, id int64) (*Delivery, error) {
		return h.svc.Cancel(r.Context(), id)
	})(w, r)
}

func (h *Handler) orderLineUsage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	usage, err := h.svc.Reconciler().UsageForOrderLine(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, usage)
}
