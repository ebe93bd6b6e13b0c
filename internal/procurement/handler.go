package procurement

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tradewind-erp/tradewind/internal/platform/httpx"
)

// Handler exposes the purchase chain endpoints.
type Handler struct {
	svc *Service
}

// NewHandler constructs Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the procurement router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/requisitions", func(r chi.Router) {
		r.Post("/", h.createRequisition)
		r.Get("/{id}", h.getRequisition)
		r.Post("/{id}/submit", h.submitRequisition)
		r.Post("/{id}/approve", h.decideRequisition(true))
		r.Post("/{id}/reject", h.decideRequisition(false))
	})

	r.Route("/rfqs", func(r chi.Router) {
		r.Post("/", h.createRFQ)
		r.Post("/{id}/send", h.sendRFQ)
		r.Post("/{id}/close", h.closeRFQ)
	})

	r.Route("/quotations", func(r chi.Router) {
		r.Post("/", h.createQuotation)
		r.Post("/{id}/accept", h.decideQuotation(true))
		r.Post("/{id}/reject", h.decideQuotation(false))
	})

	r.Route("/purchase-orders", func(r chi.Router) {
		r.Post("/", h.createPurchaseOrder)
		r.Get("/{id}", h.getPurchaseOrder)
		r.Post("/{id}/approve", h.approvePurchaseOrder)
		r.Post("/{id}/cancel", h.cancelPurchaseOrder)
	})

	r.Route("/goods-receipts", func(r chi.Router) {
		r.Post("/", h.createGoodsReceipt)
		r.Get("/{id}", h.getGoodsReceipt)
		r.Post("/{id}/approve", h.approveGoodsReceipt)
		r.Post("/{id}/reject", h.rejectGoodsReceipt)
	})

	return r
}

type decisionRequest struct {
	Note string `json:"note,omitempty"`
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) createRequisition(w http.ResponseWriter, r *http.Request) {
	var req CreateRequisitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	pr, err := h.svc.CreateRequisition(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pr)
}

func (h *Handler) getRequisition(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	pr, err := h.svc.GetRequisition(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) submitRequisition(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	pr, err := h.svc.SubmitRequisition(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) decideRequisition(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
			return
		}
		var req decisionRequest
		_ = httpx.DecodeJSON(r, &req)
		pr, err := h.svc.DecideRequisition(r.Context(), id, approve, req.Note)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, pr)
	}
}

func (h *Handler) createRFQ(w http.ResponseWriter, r *http.Request) {
	var req CreateRFQRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	rfq, err := h.svc.CreateRFQ(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rfq)
}

func (h *Handler) sendRFQ(w http.ResponseWriter, r *http.Request) {
	h.rfqTransition(w, r, h.svc.SendRFQ)
}

func (h *Handler) closeRFQ(w http.ResponseWriter, r *http.Request) {
	h.rfqTransition(w, r, h.svc.CloseRFQ)
}

func (h *Handler) rfqTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (*RFQ, error)) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	rfq, err := fn(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rfq)
}

func (h *Handler) createQuotation(w http.ResponseWriter, r *http.Request) {
	var req CreateQuotationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	q, err := h.svc.CreateQuotation(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, q)
}

func (h *Handler) decideQuotation(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
			return
		}
		q, err := h.svc.DecideQuotation(r.Context(), id, accept)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, q)
	}
}

func (h *Handler) createPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	po, err := h.svc.CreatePurchaseOrder(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	po, err := h.svc.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) approvePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req decisionRequest
	_ = httpx.DecodeJSON(r, &req)
	po, err := h.svc.ApprovePurchaseOrder(r.Context(), id, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) cancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	po, err := h.svc.CancelPurchaseOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) createGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	var req CreateGoodsReceiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	grn, err := h.svc.CreateGoodsReceipt(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grn)
}

func (h *Handler) getGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	grn, err := h.svc.GetGoodsReceipt(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) approveGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req decisionRequest
	_ = httpx.DecodeJSON(r, &req)
	grn, err := h.svc.ApproveGoodsReceipt(r.Context(), id, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) rejectGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req decisionRequest
	_ = httpx.DecodeJSON(r, &req)
	grn, err := h.svc.RejectGoodsReceipt(r.Context(), id, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}
