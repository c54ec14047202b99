package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ariefcatur/go-perfume-shop/internal/auth"
	"github.com/ariefcatur/go-perfume-shop/internal/metrics"
	"github.com/ariefcatur/go-perfume-shop/internal/orders"
)

// OrderLedger is the part of orders.Ledger the HTTP layer drives.
type OrderLedger interface {
	Create(ctx context.Context, p auth.Principal, in orders.CreateInput) (orders.CreateResult, error)
	Get(ctx context.Context, p auth.Principal, orderID string) (orders.Order, error)
	ListAll(ctx context.Context, p auth.Principal, f orders.ListFilter, pg orders.Page) (orders.ListResult, error)
	ListMine(ctx context.Context, p auth.Principal, status orders.Status, pg orders.Page) (orders.ListResult, error)
	ListByUser(ctx context.Context, p auth.Principal, userID string, pg orders.Page) (orders.ListResult, error)
	ListByProduct(ctx context.Context, p auth.Principal, productID string, pg orders.Page) (orders.ListResult, error)
	SetStatus(ctx context.Context, p auth.Principal, orderID string, to orders.Status) (orders.Order, error)
	CancelBySeller(ctx context.Context, p auth.Principal, orderID, reason string) (orders.Order, error)
	CancelByUser(ctx context.Context, p auth.Principal, orderID, reason string) (orders.Order, error)
	RecordOpinion(ctx context.Context, p auth.Principal, orderID string, op orders.Opinion) (orders.Order, error)
}

type OrdersHandler struct {
	Ledger   OrderLedger
	Auth     TokenParser
	Validate *validator.Validate
}

type boughtProductReq struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1,max=100"`
	Volume    int    `json:"volume" validate:"oneof=30 50 100"`
}

type createOrderReq struct {
	Address        string             `json:"address" validate:"required"`
	ShouldBeSentAt string             `json:"shouldBeSentAt" validate:"required"`
	BoughtProducts []boughtProductReq `json:"boughtProducts" validate:"required,min=1,dive"`
}

type setStatusReq struct {
	Status string `json:"status" validate:"required"`
}

type cancelReq struct {
	Reason string `json:"reason" validate:"required"`
}

type opinionReq struct {
	Rate    int    `json:"rate" validate:"min=1,max=5"`
	Comment string `json:"comment" validate:"max=1000"`
}

// NewValidator reports field errors by their json names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *OrdersHandler) Register(r chi.Router) {
	if h.Validate == nil {
		h.Validate = NewValidator()
	}
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(h.Auth))
		r.Post("/transaction", h.create)
		r.Get("/transaction", h.listAll)
		r.Get("/transaction/mine", h.listMine)
		r.Get("/transaction/user/{id}", h.listByUser)
		r.Get("/transaction/product/{id}", h.listByProduct)
		r.Get("/transaction/{id}", h.get)
		r.Patch("/transaction/{id}/status", h.setStatus)
		r.Patch("/transaction/{id}/cancel", h.cancelBySeller)
		r.Patch("/transaction/{id}/cancel/user", h.cancelByUser)
		r.Patch("/transaction/{id}/opinion", h.opinion)
	})
}

func (h *OrdersHandler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return h.Validate.Struct(dst)
}

func (h *OrdersHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := h.decode(r, &req); err != nil {
		metrics.RecordOrderOperation("create", false)
		writeError(w, r, asBadRequest(err))
		return
	}

	lines := make([]orders.BoughtProduct, 0, len(req.BoughtProducts))
	for _, bp := range req.BoughtProducts {
		lines = append(lines, orders.BoughtProduct{ProductID: bp.ProductID, Quantity: bp.Quantity, Volume: orders.Volume(bp.Volume)})
	}
	res, err := h.Ledger.Create(r.Context(), PrincipalFrom(r), orders.CreateInput{
		BoughtProducts: lines,
		Address:        req.Address,
		ShouldBeSentAt: req.ShouldBeSentAt,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	metrics.RecordOrderOperation("create", err == nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func parsePage(r *http.Request) (orders.Page, bool) {
	var pg orders.Page
	for name, dst := range map[string]*int{"page": &pg.Page, "limit": &pg.Limit} {
		s := r.URL.Query().Get(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return orders.Page{}, false
		}
		*dst = n
	}
	return pg, true
}

func parseStatus(r *http.Request) (orders.Status, bool) {
	s := orders.Status(r.URL.Query().Get("status"))
	return s, s == "" || s.Valid()
}

func (h *OrdersHandler) writeList(w http.ResponseWriter, r *http.Request, list func(orders.Page) (orders.ListResult, error)) {
	pg, ok := parsePage(r)
	if !ok {
		writeBadRequest(w, "page and limit must be positive integers")
		return
	}
	res, err := list(pg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) listAll(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatus(r)
	if !ok {
		writeBadRequest(w, "unknown status")
		return
	}
	f := orders.ListFilter{
		UserID:    r.URL.Query().Get("userId"),
		ProductID: r.URL.Query().Get("productId"),
		Status:    status,
	}
	h.writeList(w, r, func(pg orders.Page) (orders.ListResult, error) {
		return h.Ledger.ListAll(r.Context(), PrincipalFrom(r), f, pg)
	})
}

func (h *OrdersHandler) listMine(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatus(r)
	if !ok {
		writeBadRequest(w, "unknown status")
		return
	}
	h.writeList(w, r, func(pg orders.Page) (orders.ListResult, error) {
		return h.Ledger.ListMine(r.Context(), PrincipalFrom(r), status, pg)
	})
}

func (h *OrdersHandler) listByUser(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, r, func(pg orders.Page) (orders.ListResult, error) {
		return h.Ledger.ListByUser(r.Context(), PrincipalFrom(r), chi.URLParam(r, "id"), pg)
	})
}

func (h *OrdersHandler) listByProduct(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, r, func(pg orders.Page) (orders.ListResult, error) {
		return h.Ledger.ListByProduct(r.Context(), PrincipalFrom(r), chi.URLParam(r, "id"), pg)
	})
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Ledger.Get(r.Context(), PrincipalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// setStatus takes the status from the body, or from ?status= when the body is empty.
func (h *OrdersHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	req := setStatusReq{Status: r.URL.Query().Get("status")}
	if req.Status == "" {
		if err := h.decode(r, &req); err != nil {
			metrics.RecordOrderOperation("set_status", false)
			writeError(w, r, asBadRequest(err))
			return
		}
	}
	o, err := h.Ledger.SetStatus(r.Context(), PrincipalFrom(r), chi.URLParam(r, "id"), orders.Status(req.Status))
	metrics.RecordOrderOperation("set_status", err == nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelBySeller(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, "cancel_seller", h.Ledger.CancelBySeller)
}

func (h *OrdersHandler) cancelByUser(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, "cancel_user", h.Ledger.CancelByUser)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, p auth.Principal, orderID, reason string) (orders.Order, error)) {
	var req cancelReq
	if err := h.decode(r, &req); err != nil {
		metrics.RecordOrderOperation(op, false)
		writeError(w, r, asBadRequest(err))
		return
	}
	o, err := fn(r.Context(), PrincipalFrom(r), chi.URLParam(r, "id"), req.Reason)
	metrics.RecordOrderOperation(op, err == nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) opinion(w http.ResponseWriter, r *http.Request) {
	var req opinionReq
	if err := h.decode(r, &req); err != nil {
		metrics.RecordOrderOperation("opinion", false)
		writeError(w, r, asBadRequest(err))
		return
	}
	o, err := h.Ledger.RecordOpinion(r.Context(), PrincipalFrom(r), chi.URLParam(r, "id"),
		orders.Opinion{Rate: req.Rate, Comment: req.Comment})
	metrics.RecordOrderOperation("opinion", err == nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
