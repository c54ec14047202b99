package orders

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/apperr"
	"github.com/ariefcatur/go-perfume-shop/internal/auth"
	"github.com/ariefcatur/go-perfume-shop/internal/catalog"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/payment"
	"github.com/ariefcatur/go-perfume-shop/internal/users"
)

const (
	DefaultCancelWindow   = time.Hour
	DefaultPaymentTimeout = 15 * time.Minute

	unpaidCancelReason = "payment not completed"
	storageUnavailable = "storage is not responding, try again later"
)

var (
	ErrOrderNotFound       = apperr.New(apperr.NotFound, "order not found")
	ErrUnauthenticated     = apperr.New(apperr.Unauthorized, "user not authenticated")
	ErrUnknownUser         = apperr.New(apperr.Unauthorized, "user could not be resolved")
	ErrNotOwner            = apperr.New(apperr.Unauthorized, "order belongs to another user")
	ErrAdminOnly           = apperr.New(apperr.Unauthorized, "admin access required")
	ErrInvalidStatus       = apperr.New(apperr.BadRequest, "status must be one of Accepted, Sent or Received")
	ErrReasonRequired      = apperr.New(apperr.BadRequest, "cancellation reason is required")
	ErrInvalidRate         = apperr.New(apperr.BadRequest, "rate must be between 1 and 5")
	ErrOpinionNotAllowed   = apperr.New(apperr.BadRequest, "opinion can only be left on received or canceled orders")
	ErrOpinionExists       = apperr.New(apperr.Conflict, "opinion was already recorded")
	ErrAlreadyCanceled     = apperr.New(apperr.Forbidden, "order is already canceled")
	ErrOrderNotPaid        = apperr.New(apperr.Forbidden, "order is not paid yet")
	ErrOrderFinished       = apperr.New(apperr.Forbidden, "received orders cannot be canceled")
	ErrCancelNotAllowed    = apperr.New(apperr.Forbidden, "order is already being processed")
	ErrCancelWindowElapsed = apperr.New(apperr.Forbidden, "cancellation window has elapsed")
	ErrAmountMismatch      = apperr.New(apperr.Forbidden, "paid amount does not match the order")
	ErrAlreadyProcessed    = apperr.New(apperr.Conflict, "order payment was already processed")
	ErrConcurrentUpdate    = apperr.New(apperr.Conflict, "order was modified concurrently, try again")
)

// Store persists orders. Every mutation is a conditional single-row update that
// reports false when the row no longer matches the expected state.
type Store interface {
	Insert(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	MarkPaid(ctx context.Context, id, refID string) (bool, error)
	UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error)
	Cancel(ctx context.Context, id string, from Status, c Cancellation) (bool, error)
	SetOpinion(ctx context.Context, id string, op Opinion) (bool, error)
	List(ctx context.Context, f ListFilter, p Page) ([]Order, int64, error)
	StaleInitial(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type Catalog interface {
	ProductsByIDs(ctx context.Context, ids []string) (map[string]catalog.Product, error)
}

type Users interface {
	Get(ctx context.Context, id string) (users.User, error)
}

type Payments interface {
	RequestPayment(ctx context.Context, req payment.Request) (string, error)
}

type Notifier interface {
	NotifyAdmins(ctx context.Context, n AdminNotification) error
}

type Idempotency interface {
	Lookup(ctx context.Context, userID, key string) (CreateResult, bool, error)
	Remember(ctx context.Context, userID, key string, res CreateResult) error
}

type PaymentChecks interface {
	SchedulePaymentCheck(ctx context.Context, orderID string, after time.Duration) error
}

type CreateInput struct {
	BoughtProducts []BoughtProduct
	Address        string
	ShouldBeSentAt string
	IdempotencyKey string
}

type CreateResult struct {
	OrderID string `json:"orderId"`
	URL     string `json:"url"`
}

// Ledger owns the order lifecycle. Notifier, Idempotency and Checks are optional.
type Ledger struct {
	Store       Store
	Catalog     Catalog
	Users       Users
	Payments    Payments
	Notifier    Notifier
	Idempotency Idempotency
	Checks      PaymentChecks

	Pricer         Pricer
	CancelWindow   time.Duration
	PaymentTimeout time.Duration
	Now            func() time.Time

	pending sync.WaitGroup
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) cancelWindow() time.Duration {
	if l.CancelWindow > 0 {
		return l.CancelWindow
	}
	return DefaultCancelWindow
}

func (l *Ledger) paymentTimeout() time.Duration {
	if l.PaymentTimeout > 0 {
		return l.PaymentTimeout
	}
	return DefaultPaymentTimeout
}

// Wait blocks until in-flight admin notifications are handed off.
func (l *Ledger) Wait() { l.pending.Wait() }

// storeErr keeps not-found as is and hides every other storage failure behind a Timeout.
func (l *Ledger) storeErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrOrderNotFound) {
		return err
	}
	logger.FromContext(ctx).Error(ctx, "order storage failure", zap.String("op", op), zap.Error(err))
	return apperr.Wrap(apperr.Timeout, err, storageUnavailable)
}

// Create prices and persists a new Initial order, then asks the gateway for a payment URL.
// If the gateway call fails the order stays Initial and is expired by the payment check.
func (l *Ledger) Create(ctx context.Context, p auth.Principal, in CreateInput) (CreateResult, error) {
	if !p.Authenticated() {
		return CreateResult{}, ErrUnauthenticated
	}
	if len(in.BoughtProducts) == 0 {
		return CreateResult{}, ErrEmptyOrder
	}
	log := logger.FromContext(ctx)

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && l.Idempotency != nil {
		res, ok, err := l.Idempotency.Lookup(ctx, p.UserID, key)
		if err != nil {
			log.Warn(ctx, "idempotency lookup failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return res, nil
		}
	}

	user, err := l.Users.Get(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return CreateResult{}, ErrUnknownUser
		}
		return CreateResult{}, l.storeErr(ctx, "get user", err)
	}

	draft := Order{BoughtProducts: in.BoughtProducts}
	products, err := l.Catalog.ProductsByIDs(ctx, draft.ProductIDs())
	if err != nil {
		return CreateResult{}, l.storeErr(ctx, "load products", err)
	}

	now := l.now()
	quote, err := l.Pricer.Price(in.BoughtProducts, products, now)
	if err != nil {
		return CreateResult{}, err
	}

	order := Order{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		BoughtProducts: append([]BoughtProduct(nil), in.BoughtProducts...),
		TotalPrice:     quote.TotalPrice,
		ShippingCost:   quote.ShippingCost,
		Status:         StatusInitial,
		Address:        in.Address,
		ShouldBeSentAt: in.ShouldBeSentAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if quote.TotalDiscount > 0 {
		d := quote.TotalDiscount
		order.TotalDiscount = &d
	}

	if err := l.Store.Insert(ctx, order); err != nil {
		return CreateResult{}, l.storeErr(ctx, "insert order", err)
	}

	if l.Checks != nil {
		if err := l.Checks.SchedulePaymentCheck(ctx, order.ID, l.paymentTimeout()); err != nil {
			log.Warn(ctx, "payment check not scheduled", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	url, err := l.Payments.RequestPayment(ctx, payment.Request{
		Amount:      order.TotalPrice,
		Mobile:      user.Mobile,
		OrderID:     order.ID,
		Description: "order " + order.ID,
	})
	if err != nil {
		return CreateResult{}, err
	}

	log.Info(ctx, "order created",
		zap.String("order_id", order.ID), zap.String("user_id", order.UserID), zap.Int64("total_price", order.TotalPrice))
	l.notifyAdmins(ctx, createdNotification(order))

	res := CreateResult{OrderID: order.ID, URL: url}
	if key != "" && l.Idempotency != nil {
		if err := l.Idempotency.Remember(ctx, p.UserID, key, res); err != nil {
			log.Warn(ctx, "idempotency key not stored", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

// notifyAdmins sends n in the background. Failures are logged and never reach the caller.
func (l *Ledger) notifyAdmins(ctx context.Context, n AdminNotification) {
	if l.Notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.FromContext(ctx).Error(ctx, "admin notification panicked", zap.Any("panic", r))
			}
		}()
		if err := l.Notifier.NotifyAdmins(ctx, n); err != nil {
			logger.FromContext(ctx).Warn(ctx, "admin notification failed",
				zap.String("order_id", n.OrderID), zap.String("event", n.EventType), zap.Error(err))
		}
	}()
}

// LookupOrder exposes what the payment adapter needs to decide whether the order can still be paid.
func (l *Ledger) LookupOrder(ctx context.Context, orderID string) (payment.OrderRef, error) {
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return payment.OrderRef{}, l.storeErr(ctx, "get order", err)
	}
	return payment.OrderRef{
		ID:              o.ID,
		TotalPrice:      o.TotalPrice,
		AwaitingPayment: o.Status == StatusInitial,
		RefID:           o.RefID,
	}, nil
}

// VerifyAndMarkPaid moves an Initial order to Requested and stores the gateway reference.
// Replaying the same trackID on an already paid order is a no-op.
func (l *Ledger) VerifyAndMarkPaid(ctx context.Context, orderID, trackID string, amount int64) error {
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return l.storeErr(ctx, "get order", err)
	}
	if o.Status != StatusInitial {
		if o.Status == StatusRequested && o.RefID == trackID {
			return nil
		}
		return ErrAlreadyProcessed
	}
	if amount != o.TotalPrice {
		return ErrAmountMismatch
	}

	ok, err := l.Store.MarkPaid(ctx, orderID, trackID)
	if err != nil {
		return l.storeErr(ctx, "mark paid", err)
	}
	if !ok {
		return ErrConcurrentUpdate
	}
	logger.FromContext(ctx).Info(ctx, "order paid", zap.String("order_id", orderID), zap.String("ref_id", trackID))
	return nil
}

// SetStatus applies a seller-driven move to Accepted, Sent or Received.
func (l *Ledger) SetStatus(ctx context.Context, p auth.Principal, orderID string, to Status) (Order, error) {
	if !p.IsAdmin {
		return Order{}, ErrAdminOnly
	}
	if !to.SellerSettable() {
		return Order{}, ErrInvalidStatus
	}
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return Order{}, l.storeErr(ctx, "get order", err)
	}
	if !CanTransition(o.Status, to) {
		if o.Status == StatusCanceled {
			return Order{}, ErrAlreadyCanceled
		}
		return Order{}, ErrOrderNotPaid
	}

	ok, err := l.Store.UpdateStatus(ctx, orderID, o.Status, to)
	if err != nil {
		return Order{}, l.storeErr(ctx, "update status", err)
	}
	if !ok {
		return Order{}, ErrConcurrentUpdate
	}
	o.Status = to
	o.UpdatedAt = l.now()
	return o, nil
}

// CancelBySeller cancels any order that is neither received nor already canceled.
func (l *Ledger) CancelBySeller(ctx context.Context, p auth.Principal, orderID, reason string) (Order, error) {
	if !p.IsAdmin {
		return Order{}, ErrAdminOnly
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Order{}, ErrReasonRequired
	}
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return Order{}, l.storeErr(ctx, "get order", err)
	}
	switch o.Status {
	case StatusCanceled:
		return Order{}, ErrAlreadyCanceled
	case StatusReceived:
		return Order{}, ErrOrderFinished
	}
	return l.cancel(ctx, o, Cancellation{DidSellerCanceled: true, Reason: reason}, true)
}

// CancelByUser lets the owner cancel a paid order that has not moved on yet,
// within CancelWindow of its creation.
func (l *Ledger) CancelByUser(ctx context.Context, p auth.Principal, orderID, reason string) (Order, error) {
	if !p.Authenticated() {
		return Order{}, ErrUnauthenticated
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Order{}, ErrReasonRequired
	}
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return Order{}, l.storeErr(ctx, "get order", err)
	}
	if o.UserID != p.UserID {
		return Order{}, ErrNotOwner
	}
	if o.Status == StatusCanceled {
		return Order{}, ErrAlreadyCanceled
	}
	if o.Status != StatusRequested {
		return Order{}, ErrCancelNotAllowed
	}
	if l.now().Sub(o.CreatedAt) > l.cancelWindow() {
		return Order{}, ErrCancelWindowElapsed
	}
	return l.cancel(ctx, o, Cancellation{DidSellerCanceled: false, Reason: reason}, true)
}

func (l *Ledger) cancel(ctx context.Context, o Order, c Cancellation, notify bool) (Order, error) {
	ok, err := l.Store.Cancel(ctx, o.ID, o.Status, c)
	if err != nil {
		return Order{}, l.storeErr(ctx, "cancel order", err)
	}
	if !ok {
		return Order{}, ErrConcurrentUpdate
	}
	o.Status = StatusCanceled
	o.Canceled = &c
	o.UpdatedAt = l.now()

	logger.FromContext(ctx).Info(ctx, "order canceled",
		zap.String("order_id", o.ID), zap.Bool("by_seller", c.DidSellerCanceled), zap.String("reason", c.Reason))
	if notify {
		l.notifyAdmins(ctx, canceledNotification(o, c))
	}
	return o, nil
}

// RecordOpinion stores the owner's single opinion on a received or canceled order.
func (l *Ledger) RecordOpinion(ctx context.Context, p auth.Principal, orderID string, op Opinion) (Order, error) {
	if !p.Authenticated() {
		return Order{}, ErrUnauthenticated
	}
	if op.Rate < 1 || op.Rate > 5 {
		return Order{}, ErrInvalidRate
	}
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return Order{}, l.storeErr(ctx, "get order", err)
	}
	if o.UserID != p.UserID {
		return Order{}, ErrNotOwner
	}
	if !o.Status.AcceptsOpinion() {
		return Order{}, ErrOpinionNotAllowed
	}
	if o.Opinion != nil {
		return Order{}, ErrOpinionExists
	}

	ok, err := l.Store.SetOpinion(ctx, orderID, op)
	if err != nil {
		return Order{}, l.storeErr(ctx, "set opinion", err)
	}
	if !ok {
		return Order{}, ErrOpinionExists
	}
	o.Opinion = &op
	o.UpdatedAt = l.now()
	return o, nil
}

// ExpireUnpaid cancels the order if it is still waiting for payment. It reports
// whether the order was canceled.
func (l *Ledger) ExpireUnpaid(ctx context.Context, orderID string) (bool, error) {
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return false, l.storeErr(ctx, "get order", err)
	}
	if o.Status != StatusInitial {
		return false, nil
	}
	_, err = l.cancel(ctx, o, Cancellation{DidSellerCanceled: true, Reason: unpaidCancelReason}, false)
	if errors.Is(err, ErrConcurrentUpdate) {
		// paid in the meantime
		return false, nil
	}
	return err == nil, err
}

// ReconcileUnpaid expires up to limit Initial orders older than PaymentTimeout.
func (l *Ledger) ReconcileUnpaid(ctx context.Context, limit int) (int, error) {
	ids, err := l.Store.StaleInitial(ctx, l.now().Add(-l.paymentTimeout()), limit)
	if err != nil {
		return 0, l.storeErr(ctx, "list stale orders", err)
	}
	expired := 0
	for _, id := range ids {
		ok, err := l.ExpireUnpaid(ctx, id)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// Get returns one order to its owner or an admin.
func (l *Ledger) Get(ctx context.Context, p auth.Principal, orderID string) (Order, error) {
	if !p.Authenticated() {
		return Order{}, ErrUnauthenticated
	}
	o, err := l.Store.Get(ctx, orderID)
	if err != nil {
		return Order{}, l.storeErr(ctx, "get order", err)
	}
	if !p.IsAdmin && o.UserID != p.UserID {
		return Order{}, ErrNotOwner
	}
	return o, nil
}

func (l *Ledger) list(ctx context.Context, f ListFilter, pg Page) (ListResult, error) {
	items, count, err := l.Store.List(ctx, f, pg.normalize())
	if err != nil {
		return ListResult{}, l.storeErr(ctx, "list orders", err)
	}
	if items == nil {
		items = []Order{}
	}
	return ListResult{Count: count, Items: items}, nil
}

// ListAll lists every order matching f, newest first. Admin only.
func (l *Ledger) ListAll(ctx context.Context, p auth.Principal, f ListFilter, pg Page) (ListResult, error) {
	if !p.IsAdmin {
		return ListResult{}, ErrAdminOnly
	}
	return l.list(ctx, f, pg)
}

func (l *Ledger) ListMine(ctx context.Context, p auth.Principal, status Status, pg Page) (ListResult, error) {
	if !p.Authenticated() {
		return ListResult{}, ErrUnauthenticated
	}
	return l.list(ctx, ListFilter{UserID: p.UserID, Status: status}, pg)
}

func (l *Ledger) ListByUser(ctx context.Context, p auth.Principal, userID string, pg Page) (ListResult, error) {
	if !p.IsAdmin {
		return ListResult{}, ErrAdminOnly
	}
	return l.list(ctx, ListFilter{UserID: userID}, pg)
}

func (l *Ledger) ListByProduct(ctx context.Context, p auth.Principal, productID string, pg Page) (ListResult, error) {
	if !p.IsAdmin {
		return ListResult{}, ErrAdminOnly
	}
	return l.list(ctx, ListFilter{ProductID: productID}, pg)
}
