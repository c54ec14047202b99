package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/apperr"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
)

// ErrGateway marks every failure that came from talking to the gateway.
var ErrGateway = errors.New("payment gateway error")

var (
	ErrPaymentNotSuccessful = apperr.New(apperr.Forbidden, "payment was not successful")
	ErrAmountMismatch       = apperr.New(apperr.Forbidden, "paid amount does not match the order")
	ErrOrderMismatch        = apperr.New(apperr.Forbidden, "payment belongs to another order")
	ErrNotAwaitingPayment   = apperr.New(apperr.Conflict, "order is no longer awaiting payment")
)

const (
	genericGatewayMessage = "payment gateway is not available, try again later"
	paymentCompleted      = "payment completed successfully"
)

func gatewayError(message string, cause error) error {
	if message == "" {
		message = genericGatewayMessage
	}
	err := ErrGateway
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrGateway, cause)
	}
	return apperr.Wrap(apperr.Internal, err, message)
}

// Request is what the gateway needs to open a payment.
type Request struct {
	Amount      int64
	Mobile      string
	OrderID     string
	Description string
}

type VerifyResult struct {
	OK        bool
	Amount    int64
	RefNumber string
	OrderID   string
	Message   string
}

// Callback is what the gateway sends back to the redirect endpoint.
type Callback struct {
	TrackID string
	OrderID string
	Success bool
	Status  int
}

type Gateway interface {
	Request(ctx context.Context, req Request) (trackID string, err error)
	StartURL(trackID string) string
	Verify(ctx context.Context, trackID string) (VerifyResult, error)
}

// OrderRef is the slice of an order the adapter is allowed to see.
// RefID is the track id the order was paid with, empty while unpaid.
type OrderRef struct {
	ID              string
	TotalPrice      int64
	AwaitingPayment bool
	RefID           string
}

type OrderLookup interface {
	LookupOrder(ctx context.Context, orderID string) (OrderRef, error)
}

type PaidMarker interface {
	VerifyAndMarkPaid(ctx context.Context, orderID, trackID string, amount int64) error
}

// Service opens payments for orders and verifies gateway callbacks.
type Service struct {
	Gateway Gateway
	Orders  OrderLookup
	Marker  PaidMarker
}

// RequestPayment returns the URL the payer must be redirected to.
func (s *Service) RequestPayment(ctx context.Context, req Request) (string, error) {
	trackID, err := s.Gateway.Request(ctx, req)
	if err != nil {
		logger.FromContext(ctx).Error(ctx, "payment request failed",
			zap.String("order_id", req.OrderID), zap.Int64("amount", req.Amount), zap.Error(err))
		return "", err
	}
	return s.Gateway.StartURL(trackID), nil
}

// Verify checks a gateway callback and, when the payment is genuine, marks the order paid.
func (s *Service) Verify(ctx context.Context, cb Callback) (string, error) {
	if !cb.Success {
		return "", ErrPaymentNotSuccessful
	}

	ref, err := s.Orders.LookupOrder(ctx, cb.OrderID)
	if err != nil {
		return "", err
	}
	// The gateway verify call settles the payment, so it must never run for an
	// order that can no longer be paid.
	if !ref.AwaitingPayment {
		if ref.RefID != "" && ref.RefID == cb.TrackID {
			return paymentCompleted, nil
		}
		logger.FromContext(ctx).Error(ctx, "payment callback for an order that is not awaiting payment",
			zap.String("order_id", ref.ID), zap.String("track_id", cb.TrackID))
		return "", ErrNotAwaitingPayment
	}

	res, err := s.Gateway.Verify(ctx, cb.TrackID)
	if err != nil {
		logger.FromContext(ctx).Error(ctx, "payment verify failed",
			zap.String("order_id", cb.OrderID), zap.String("track_id", cb.TrackID), zap.Error(err))
		return "", err
	}
	if !res.OK {
		return "", errors.Wrap(ErrPaymentNotSuccessful, res.Message)
	}
	if res.OrderID != "" && res.OrderID != ref.ID {
		logger.FromContext(ctx).Error(ctx, "verified payment belongs to another order",
			zap.String("order_id", ref.ID), zap.String("paid_order_id", res.OrderID), zap.String("track_id", cb.TrackID))
		return "", ErrOrderMismatch
	}
	if res.Amount != ref.TotalPrice {
		logger.FromContext(ctx).Warn(ctx, "verified amount differs from order total",
			zap.String("order_id", ref.ID), zap.Int64("order_total", ref.TotalPrice), zap.Int64("verified", res.Amount))
		return "", ErrAmountMismatch
	}

	if err := s.Marker.VerifyAndMarkPaid(ctx, ref.ID, cb.TrackID, res.Amount); err != nil {
		return "", err
	}
	return paymentCompleted, nil
}
