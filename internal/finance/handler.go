package finance

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradewind-erp/tradewind/internal/platform/httpx"
)

// Handler exposes finance endpoints.
type Handler struct {
	svc *Service
}

// NewHandler constructs Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the finance router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.createInvoice)
		r.Get("/{id}", h.getInvoice)
		r.Post("/{id}/cancel", h.cancelInvoice)
		r.Delete("/{id}", h.deleteInvoice)
		r.Get("/aging", h.aging)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.addPayment)
		r.Delete("/{id}", h.deletePayment)
	})

	r.Route("/credit-notes", func(r chi.Router) {
		r.Post("/", h.createCreditNote)
		r.Get("/{id}", h.getCreditNote)
		r.Post("/{id}/issue", h.issueCreditNote)
		r.Post("/{id}/apply", h.applyCreditNote)
		r.Post("/{id}/cancel", h.cancelCreditNote)
	})

	r.Route("/balances", func(r chi.Router) {
		r.Get("/{kind}/{partyID}", h.partyBalance)
		r.Post("/{kind}/{partyID}/recalculate", h.recalculate)
	})

	return r
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func partyRefParams(r *http.Request) (PartyRef, error) {
	partyID, err := strconv.ParseInt(chi.URLParam(r, "partyID"), 10, 64)
	if err != nil {
		return PartyRef{}, err
	}
	kind := PartyCustomer
	if chi.URLParam(r, "kind") == "vendors" {
		kind = PartyVendor
	}
	return PartyRef{PartyID: partyID, Kind: kind}, nil
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	inv, err := h.svc.CreateInvoice(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	inv, err := h.svc.GetInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	inv, err := h.svc.CancelInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.svc.DeleteInvoice(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	typ := TypeAR
	if r.URL.Query().Get("type") == "AP" {
		typ = TypeAP
	}
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", err.Error())
			return
		}
		asOf = parsed
	}
	rows, err := h.svc.Aging(r.Context(), typ, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) addPayment(w http.ResponseWriter, r *http.Request) {
	var req AddPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	payment, err := h.svc.AddPayment(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.svc.DeletePayment(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createCreditNote(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditNoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	cn, err := h.svc.CreateCreditNote(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cn)
}

func (h *Handler) getCreditNote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	cn, err := h.svc.GetCreditNote(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cn)
}

func (h *Handler) issueCreditNote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	cn, err := h.svc.IssueCreditNote(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cn)
}

func (h *Handler) applyCreditNote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	cn, err := h.svc.MarkCreditNoteApplied(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cn)
}

func (h *Handler) cancelCreditNote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	cn, err := h.svc.CancelCreditNote(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cn)
}

func (h *Handler) partyBalance(w http.ResponseWriter, r *http.Request) {
	ref, err := partyRefParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Party", err.Error())
		return
	}
	balance, err := h.svc.PartyBalance(r.Context(), ref)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	ref, err := partyRefParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Party", err.Error())
		return
	}
	balance, err := h.svc.RecalculatePartyBalance(r.Context(), ref)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}
