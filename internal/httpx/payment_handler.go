package httpx

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/metrics"
	"github.com/ariefcatur/go-perfume-shop/internal/payment"
)

type PaymentVerifier interface {
	Verify(ctx context.Context, cb payment.Callback) (string, error)
}

// PaymentHandler serves the public endpoint the gateway redirects the payer to.
type PaymentHandler struct {
	Payments  PaymentVerifier
	ResultURL string
}

func (h *PaymentHandler) Register(r chi.Router) {
	r.Get("/payment/get_redirect", h.redirect)
}

func (h *PaymentHandler) redirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := payment.Callback{
		TrackID: q.Get("trackId"),
		OrderID: q.Get("orderId"),
		Success: q.Get("success") == "1",
	}
	if cb.TrackID == "" || cb.OrderID == "" {
		writeBadRequest(w, "trackId and orderId are required")
		return
	}
	if s := q.Get("status"); s != "" {
		cb.Status, _ = strconv.Atoi(s)
	}

	msg, err := h.Payments.Verify(r.Context(), cb)
	metrics.RecordOrderOperation("verify", err == nil)
	if err != nil {
		logger.FromContext(r.Context()).Warn(r.Context(), "payment verification rejected",
			zap.String("order_id", cb.OrderID), zap.String("track_id", cb.TrackID), zap.Int("gateway_status", cb.Status), zap.Error(err))
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, h.resultURL(msg, cb.OrderID), http.StatusFound)
}

func (h *PaymentHandler) resultURL(message, orderID string) string {
	u, err := url.Parse(h.ResultURL)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("message", message)
	q.Set("orderId", orderID)
	u.RawQuery = q.Encode()
	return u.String()
}
