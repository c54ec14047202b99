package orders

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"github.com/ariefcatur/go-perfume-shop/internal/apperr"
	"github.com/ariefcatur/go-perfume-shop/internal/auth"
	"github.com/ariefcatur/go-perfume-shop/internal/catalog"
	"github.com/ariefcatur/go-perfume-shop/internal/payment"
	"github.com/ariefcatur/go-perfume-shop/internal/users"
)

type memStore struct {
	mu      sync.Mutex
	orders  map[string]Order
	inserts int
	failGet error
}

func newMemStore() *memStore { return &memStore{orders: map[string]Order{}} }

func (s *memStore) Insert(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	s.orders[o.ID] = o
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return Order{}, s.failGet
	}
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (s *memStore) MarkPaid(_ context.Context, id, refID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	if o.Status != StatusInitial || o.RefID != "" {
		return false, nil
	}
	o.Status, o.RefID = StatusRequested, refID
	s.orders[id] = o
	return true, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	s.orders[id] = o
	return true, nil
}

func (s *memStore) Cancel(_ context.Context, id string, from Status, c Cancellation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	if o.Status != from || o.Canceled != nil {
		return false, nil
	}
	o.Status, o.Canceled = StatusCanceled, &c
	s.orders[id] = o
	return true, nil
}

func (s *memStore) SetOpinion(_ context.Context, id string, op Opinion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	if o.Opinion != nil || !o.Status.AcceptsOpinion() {
		return false, nil
	}
	o.Opinion = &op
	s.orders[id] = o
	return true, nil
}

func (s *memStore) List(_ context.Context, f ListFilter, p Page) ([]Order, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ProductID != "" && !containsProduct(o, f.ProductID) {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	start := p.Offset()
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + p.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func containsProduct(o Order, productID string) bool {
	for _, id := range o.ProductIDs() {
		if id == productID {
			return true
		}
	}
	return false
}

func (s *memStore) StaleInitial(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if o.Status == StatusInitial && o.CreatedAt.Before(before) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeCatalog map[string]catalog.Product

func (c fakeCatalog) ProductsByIDs(_ context.Context, ids []string) (map[string]catalog.Product, error) {
	out := make(map[string]catalog.Product, len(ids))
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeUsers map[string]users.User

func (u fakeUsers) Get(_ context.Context, id string) (users.User, error) {
	user, ok := u[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return user, nil
}

type fakePayments struct {
	requests []payment.Request
	err      error
}

func (p *fakePayments) RequestPayment(_ context.Context, req payment.Request) (string, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return "", p.err
	}
	return "https://gateway.test/start/track-" + req.OrderID, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []AdminNotification
	err  error
}

func (n *fakeNotifier) NotifyAdmins(_ context.Context, a AdminNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	return n.err
}

func (n *fakeNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, a := range n.sent {
		out = append(out, a.EventType)
	}
	return out
}

type memIdempotency struct {
	results map[string]CreateResult
}

func (m *memIdempotency) Lookup(_ context.Context, userID, key string) (CreateResult, bool, error) {
	res, ok := m.results[userID+"/"+key]
	return res, ok, nil
}

func (m *memIdempotency) Remember(_ context.Context, userID, key string, res CreateResult) error {
	m.results[userID+"/"+key] = res
	return nil
}

type fakeChecks struct {
	scheduled map[string]time.Duration
}

func (c *fakeChecks) SchedulePaymentCheck(_ context.Context, orderID string, after time.Duration) error {
	c.scheduled[orderID] = after
	return nil
}

var (
	buyer  = auth.Principal{UserID: "u-1"}
	other  = auth.Principal{UserID: "u-2"}
	seller = auth.Principal{UserID: "admin-1", IsAdmin: true}
	t0     = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
)

type ledgerFixture struct {
	ledger   *Ledger
	store    *memStore
	payments *fakePayments
	notifier *fakeNotifier
	checks   *fakeChecks
	now      time.Time
}

func newLedgerFixture() *ledgerFixture {
	f := &ledgerFixture{
		store:    newMemStore(),
		payments: &fakePayments{},
		notifier: &fakeNotifier{},
		checks:   &fakeChecks{scheduled: map[string]time.Duration{}},
		now:      t0,
	}
	f.ledger = &Ledger{
		Store: f.store,
		Catalog: fakeCatalog{
			"P1":  {ID: "P1", Price: 100000, Availability: true},
			"OUT": {ID: "OUT", Price: 5000, Availability: false},
		},
		Users: fakeUsers{
			"u-1": {ID: "u-1", Mobile: "09120000001"},
			"u-2": {ID: "u-2", Mobile: "09120000002"},
		},
		Payments:    f.payments,
		Notifier:    f.notifier,
		Idempotency: &memIdempotency{results: map[string]CreateResult{}},
		Checks:      f.checks,
		Pricer:      Pricer{ShippingCost: DefaultShippingCost},
		Now:         func() time.Time { return f.now },
	}
	return f
}

func (f *ledgerFixture) seed(o Order) Order {
	if o.UserID == "" {
		o.UserID = buyer.UserID
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t0
	}
	o.BoughtProducts = []BoughtProduct{{ProductID: "P1", Quantity: 1, Volume: Volume30}}
	f.store.orders[o.ID] = o
	return o
}

var oneBottle = []BoughtProduct{{ProductID: "P1", Quantity: 2, Volume: Volume30}}

func TestLedger_Create(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()

	res, err := f.ledger.Create(ctx, buyer, CreateInput{BoughtProducts: oneBottle, Address: "Tehran", ShouldBeSentAt: "2026-05-03"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.ledger.Wait()

	o := f.store.orders[res.OrderID]
	if o.Status != StatusInitial || o.TotalPrice != 250000 || o.TotalDiscount != nil || o.ShippingCost != 50000 {
		t.Errorf("unexpected order %+v", o)
	}
	if res.URL != "https://gateway.test/start/track-"+res.OrderID {
		t.Errorf("unexpected url %s", res.URL)
	}
	if got := f.payments.requests[0]; got.Amount != 250000 || got.Mobile != "09120000001" {
		t.Errorf("unexpected payment request %+v", got)
	}
	if f.checks.scheduled[res.OrderID] != DefaultPaymentTimeout {
		t.Errorf("payment check not scheduled")
	}
	if ev := f.notifier.events(); len(ev) != 1 || ev[0] != EventOrderCreated {
		t.Errorf("unexpected notifications %v", ev)
	}
}

func TestLedger_CreateWithFestival(t *testing.T) {
	f := newLedgerFixture()
	f.ledger.Catalog = fakeCatalog{"P1": {ID: "P1", Price: 100000, Availability: true,
		Festival: &catalog.Festival{OffPercentage: 20, Until: untilMillis(t0.Add(time.Hour))}}}

	res, err := f.ledger.Create(context.Background(), buyer, CreateInput{BoughtProducts: oneBottle})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.ledger.Wait()
	o := f.store.orders[res.OrderID]
	if o.TotalPrice != 210000 || o.TotalDiscount == nil || *o.TotalDiscount != 40000 {
		t.Errorf("unexpected prices total=%d discount=%v", o.TotalPrice, o.TotalDiscount)
	}
}

func TestLedger_CreateRejectsBeforePersisting(t *testing.T) {
	tests := []struct {
		name  string
		p     auth.Principal
		lines []BoughtProduct
		kind  apperr.Kind
	}{
		{"anonymous", auth.Principal{}, oneBottle, apperr.Unauthorized},
		{"unknown user", auth.Principal{UserID: "ghost"}, oneBottle, apperr.Unauthorized},
		{"empty", buyer, nil, apperr.BadRequest},
		{"invalid volume", buyer, []BoughtProduct{{ProductID: "P1", Quantity: 1, Volume: 70}}, apperr.BadRequest},
		{"unavailable line", buyer, []BoughtProduct{
			{ProductID: "P1", Quantity: 1, Volume: Volume30},
			{ProductID: "OUT", Quantity: 1, Volume: Volume30},
		}, apperr.Conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLedgerFixture()
			_, err := f.ledger.Create(context.Background(), tt.p, CreateInput{BoughtProducts: tt.lines})
			if apperr.KindOf(err) != tt.kind {
				t.Fatalf("got %v (kind %s), want kind %s", err, apperr.KindOf(err), tt.kind)
			}
			if f.store.inserts != 0 || len(f.payments.requests) != 0 {
				t.Errorf("order persisted or payment requested after rejection")
			}
		})
	}
}

func TestLedger_CreateGatewayFailureKeepsInitial(t *testing.T) {
	f := newLedgerFixture()
	f.payments.err = apperr.New(apperr.Internal, "gateway down")

	_, err := f.ledger.Create(context.Background(), buyer, CreateInput{BoughtProducts: oneBottle})
	if err == nil {
		t.Fatal("expected gateway error")
	}
	f.ledger.Wait()
	if f.store.inserts != 1 {
		t.Fatalf("expected the order to be persisted, got %d inserts", f.store.inserts)
	}
	for _, o := range f.store.orders {
		if o.Status != StatusInitial {
			t.Errorf("status %s, want Initial", o.Status)
		}
	}
	if len(f.notifier.events()) != 0 {
		t.Error("admins notified about an order without a payment url")
	}
}

func TestLedger_CreateIgnoresNotifierFailure(t *testing.T) {
	f := newLedgerFixture()
	f.notifier.err = errors.New("push service down")

	if _, err := f.ledger.Create(context.Background(), buyer, CreateInput{BoughtProducts: oneBottle}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.ledger.Wait()
}

func TestLedger_CreateIdempotencyKey(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	in := CreateInput{BoughtProducts: oneBottle, IdempotencyKey: "k-1"}

	first, err := f.ledger.Create(ctx, buyer, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := f.ledger.Create(ctx, buyer, in)
	if err != nil {
		t.Fatalf("Create replay: %v", err)
	}
	f.ledger.Wait()
	if first != second || f.store.inserts != 1 {
		t.Errorf("replay created a new order: %+v vs %+v, inserts=%d", first, second, f.store.inserts)
	}

	if _, err := f.ledger.Create(ctx, other, in); err != nil {
		t.Fatalf("Create other user: %v", err)
	}
	f.ledger.Wait()
	if f.store.inserts != 2 {
		t.Errorf("keys must be scoped per user, inserts=%d", f.store.inserts)
	}
}

func TestLedger_VerifyAndMarkPaid(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	f.seed(Order{ID: "o-1", Status: StatusInitial, TotalPrice: 250000})

	if err := f.ledger.VerifyAndMarkPaid(ctx, "o-1", "track-1", 249999); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("got %v, want ErrAmountMismatch", err)
	}
	if o := f.store.orders["o-1"]; o.Status != StatusInitial || o.RefID != "" {
		t.Fatalf("mismatch changed the order: %+v", o)
	}

	if err := f.ledger.VerifyAndMarkPaid(ctx, "o-1", "track-1", 250000); err != nil {
		t.Fatalf("VerifyAndMarkPaid: %v", err)
	}
	if o := f.store.orders["o-1"]; o.Status != StatusRequested || o.RefID != "track-1" {
		t.Fatalf("order not paid: %+v", o)
	}

	if err := f.ledger.VerifyAndMarkPaid(ctx, "o-1", "track-1", 250000); err != nil {
		t.Errorf("replay of the same track id: %v", err)
	}
	if err := f.ledger.VerifyAndMarkPaid(ctx, "o-1", "track-2", 250000); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("got %v, want ErrAlreadyProcessed", err)
	}
	if err := f.ledger.VerifyAndMarkPaid(ctx, "missing", "track-1", 1); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("got %v, want ErrOrderNotFound", err)
	}
}

func TestLedger_SetStatus(t *testing.T) {
	tests := []struct {
		name string
		p    auth.Principal
		from Status
		to   Status
		want error
	}{
		{"accept paid order", seller, StatusRequested, StatusAccepted, nil},
		{"jump to received", seller, StatusRequested, StatusReceived, nil},
		{"back from sent to accepted", seller, StatusSent, StatusAccepted, nil},
		{"received to sent", seller, StatusReceived, StatusSent, nil},
		{"not an admin", buyer, StatusRequested, StatusAccepted, ErrAdminOnly},
		{"unpaid", seller, StatusInitial, StatusAccepted, ErrOrderNotPaid},
		{"canceled", seller, StatusCanceled, StatusSent, ErrAlreadyCanceled},
		{"cancel via status", seller, StatusRequested, StatusCanceled, ErrInvalidStatus},
		{"unknown status", seller, StatusRequested, Status("Lost"), ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLedgerFixture()
			f.seed(Order{ID: "o-1", Status: tt.from})
			got, err := f.ledger.SetStatus(context.Background(), tt.p, "o-1", tt.to)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if err == nil && (got.Status != tt.to || f.store.orders["o-1"].Status != tt.to) {
				t.Errorf("status not updated: %s", got.Status)
			}
		})
	}
}

func TestLedger_CancelByUserWindow(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		elapsed time.Duration
		want    error
	}{
		{"just inside the window", StatusRequested, 59*time.Minute + 59*time.Second, nil},
		{"exactly one hour", StatusRequested, time.Hour, nil},
		{"just outside the window", StatusRequested, time.Hour + time.Second, ErrCancelWindowElapsed},
		{"unpaid", StatusInitial, time.Minute, ErrCancelNotAllowed},
		{"accepted", StatusAccepted, time.Minute, ErrCancelNotAllowed},
		{"already canceled", StatusCanceled, time.Minute, ErrAlreadyCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLedgerFixture()
			f.seed(Order{ID: "o-1", Status: tt.status})
			f.now = t0.Add(tt.elapsed)

			got, err := f.ledger.CancelByUser(context.Background(), buyer, "o-1", "changed my mind")
			f.ledger.Wait()
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if err != nil {
				return
			}
			if got.Status != StatusCanceled || got.Canceled == nil || got.Canceled.DidSellerCanceled {
				t.Errorf("unexpected cancellation %+v", got)
			}
			if ev := f.notifier.events(); len(ev) != 1 || ev[0] != EventOrderCanceled {
				t.Errorf("unexpected notifications %v", ev)
			}
		})
	}
}

func TestLedger_CancelByUserChecks(t *testing.T) {
	f := newLedgerFixture()
	f.seed(Order{ID: "o-1", Status: StatusRequested})
	ctx := context.Background()

	if _, err := f.ledger.CancelByUser(ctx, other, "o-1", "mine now"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}
	if _, err := f.ledger.CancelByUser(ctx, buyer, "o-1", "   "); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("got %v, want ErrReasonRequired", err)
	}
	if _, err := f.ledger.CancelByUser(ctx, auth.Principal{}, "o-1", "x"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("got %v, want ErrUnauthenticated", err)
	}
}

func TestLedger_CancelBySeller(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{StatusInitial, nil},
		{StatusRequested, nil},
		{StatusAccepted, nil},
		{StatusSent, nil},
		{StatusReceived, ErrOrderFinished},
		{StatusCanceled, ErrAlreadyCanceled},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newLedgerFixture()
			f.seed(Order{ID: "o-1", Status: tt.status})
			f.now = t0.Add(30 * 24 * time.Hour)

			got, err := f.ledger.CancelBySeller(context.Background(), seller, "o-1", "out of stock")
			f.ledger.Wait()
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if err == nil && (got.Canceled == nil || !got.Canceled.DidSellerCanceled || got.Canceled.Reason != "out of stock") {
				t.Errorf("unexpected cancellation %+v", got.Canceled)
			}
		})
	}

	f := newLedgerFixture()
	f.seed(Order{ID: "o-1", Status: StatusRequested})
	if _, err := f.ledger.CancelBySeller(context.Background(), buyer, "o-1", "x"); !errors.Is(err, ErrAdminOnly) {
		t.Errorf("got %v, want ErrAdminOnly", err)
	}
}

func TestLedger_RecordOpinion(t *testing.T) {
	ctx := context.Background()
	for _, s := range []Status{StatusInitial, StatusRequested, StatusAccepted, StatusSent} {
		f := newLedgerFixture()
		f.seed(Order{ID: "o-1", Status: s})
		if _, err := f.ledger.RecordOpinion(ctx, buyer, "o-1", Opinion{Rate: 4}); !errors.Is(err, ErrOpinionNotAllowed) {
			t.Errorf("%s: got %v, want ErrOpinionNotAllowed", s, err)
		}
	}

	f := newLedgerFixture()
	f.seed(Order{ID: "o-1", Status: StatusReceived})
	if _, err := f.ledger.RecordOpinion(ctx, buyer, "o-1", Opinion{Rate: 6}); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("got %v, want ErrInvalidRate", err)
	}
	if _, err := f.ledger.RecordOpinion(ctx, other, "o-1", Opinion{Rate: 5}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}
	got, err := f.ledger.RecordOpinion(ctx, buyer, "o-1", Opinion{Rate: 5, Comment: "lovely"})
	if err != nil {
		t.Fatalf("RecordOpinion: %v", err)
	}
	if got.Opinion == nil || got.Opinion.Rate != 5 {
		t.Errorf("opinion not returned: %+v", got.Opinion)
	}
	_, err = f.ledger.RecordOpinion(ctx, buyer, "o-1", Opinion{Rate: 1, Comment: "changed"})
	if !errors.Is(err, ErrOpinionExists) || apperr.KindOf(err) != apperr.Conflict {
		t.Errorf("got %v, want ErrOpinionExists", err)
	}
	if op := f.store.orders["o-1"].Opinion; op.Rate != 5 || op.Comment != "lovely" {
		t.Errorf("first opinion was overwritten: %+v", op)
	}

	f = newLedgerFixture()
	f.seed(Order{ID: "o-2", Status: StatusCanceled})
	if _, err := f.ledger.RecordOpinion(ctx, buyer, "o-2", Opinion{Rate: 2}); err != nil {
		t.Errorf("opinion on canceled order: %v", err)
	}
}

func TestLedger_ExpireUnpaid(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	f.seed(Order{ID: "unpaid", Status: StatusInitial})
	f.seed(Order{ID: "paid", Status: StatusRequested, RefID: "track-1"})

	expired, err := f.ledger.ExpireUnpaid(ctx, "unpaid")
	if err != nil || !expired {
		t.Fatalf("ExpireUnpaid(unpaid) = %v, %v", expired, err)
	}
	c := f.store.orders["unpaid"].Canceled
	if c == nil || !c.DidSellerCanceled || c.Reason != unpaidCancelReason {
		t.Errorf("unexpected cancellation %+v", c)
	}

	expired, err = f.ledger.ExpireUnpaid(ctx, "paid")
	if err != nil || expired {
		t.Errorf("ExpireUnpaid(paid) = %v, %v", expired, err)
	}
	f.ledger.Wait()
	if len(f.notifier.events()) != 0 {
		t.Error("expiry must not notify admins")
	}
}

type countingGateway struct {
	verified int
	result   payment.VerifyResult
}

func (g *countingGateway) Request(context.Context, payment.Request) (string, error) { return "42", nil }

func (g *countingGateway) StartURL(trackID string) string { return "https://gw/start/" + trackID }

func (g *countingGateway) Verify(context.Context, string) (payment.VerifyResult, error) {
	g.verified++
	return g.result, nil
}

func TestLedger_PaymentCallbackAfterExpiry(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	f.seed(Order{ID: "o-1", Status: StatusInitial, TotalPrice: 150000})

	if _, err := f.ledger.ExpireUnpaid(ctx, "o-1"); err != nil {
		t.Fatalf("ExpireUnpaid: %v", err)
	}

	gw := &countingGateway{result: payment.VerifyResult{OK: true, Amount: 150000, OrderID: "o-1"}}
	svc := &payment.Service{Gateway: gw, Orders: f.ledger, Marker: f.ledger}
	_, err := svc.Verify(ctx, payment.Callback{TrackID: "42", OrderID: "o-1", Success: true})
	if !errors.Is(err, payment.ErrNotAwaitingPayment) {
		t.Fatalf("expected ErrNotAwaitingPayment, got %v", err)
	}
	if gw.verified != 0 {
		t.Errorf("gateway verify called %d times for a canceled order", gw.verified)
	}
	if got := f.store.orders["o-1"].Status; got != StatusCanceled {
		t.Errorf("status = %s, want Canceled", got)
	}
}

func TestLedger_PaymentCallbackForAnotherOrder(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	f.seed(Order{ID: "a", Status: StatusInitial, TotalPrice: 150000})
	f.seed(Order{ID: "b", Status: StatusInitial, TotalPrice: 150000})

	gw := &countingGateway{result: payment.VerifyResult{OK: true, Amount: 150000, OrderID: "a"}}
	svc := &payment.Service{Gateway: gw, Orders: f.ledger, Marker: f.ledger}
	_, err := svc.Verify(ctx, payment.Callback{TrackID: "42", OrderID: "b", Success: true})
	if !errors.Is(err, payment.ErrOrderMismatch) {
		t.Fatalf("expected ErrOrderMismatch, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if o := f.store.orders[id]; o.Status != StatusInitial || o.RefID != "" {
			t.Errorf("order %s changed: %s ref %q", id, o.Status, o.RefID)
		}
	}

	// the real payer's callback still goes through, and a replay of it is a no-op
	for i := 0; i < 2; i++ {
		if _, err := svc.Verify(ctx, payment.Callback{TrackID: "42", OrderID: "a", Success: true}); err != nil {
			t.Fatalf("Verify(a) attempt %d: %v", i+1, err)
		}
	}
	if o := f.store.orders["a"]; o.Status != StatusRequested || o.RefID != "42" {
		t.Errorf("order a: %s ref %q", o.Status, o.RefID)
	}
	if gw.verified != 1 {
		t.Errorf("gateway verify called %d times, want 1", gw.verified)
	}
}

func TestLedger_ReconcileUnpaid(t *testing.T) {
	f := newLedgerFixture()
	f.seed(Order{ID: "old", Status: StatusInitial, CreatedAt: t0})
	f.seed(Order{ID: "fresh", Status: StatusInitial, CreatedAt: t0.Add(50 * time.Minute)})
	f.seed(Order{ID: "paid", Status: StatusRequested, CreatedAt: t0})
	f.now = t0.Add(time.Hour)

	n, err := f.ledger.ReconcileUnpaid(context.Background(), 100)
	if err != nil {
		t.Fatalf("ReconcileUnpaid: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d orders, want 1", n)
	}
	if f.store.orders["old"].Status != StatusCanceled || f.store.orders["fresh"].Status != StatusInitial {
		t.Error("wrong orders expired")
	}
}

func TestLedger_GetAndLists(t *testing.T) {
	f := newLedgerFixture()
	ctx := context.Background()
	f.seed(Order{ID: "a", Status: StatusRequested, CreatedAt: t0})
	f.seed(Order{ID: "b", Status: StatusCanceled, CreatedAt: t0.Add(time.Minute)})
	f.seed(Order{ID: "c", UserID: other.UserID, Status: StatusRequested, CreatedAt: t0.Add(2 * time.Minute)})

	if _, err := f.ledger.Get(ctx, other, "a"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}
	if _, err := f.ledger.Get(ctx, seller, "a"); err != nil {
		t.Errorf("admin Get: %v", err)
	}
	if _, err := f.ledger.Get(ctx, buyer, "zzz"); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("got %v, want NotFound", err)
	}

	mine, err := f.ledger.ListMine(ctx, buyer, "", Page{})
	if err != nil {
		t.Fatalf("ListMine: %v", err)
	}
	if mine.Count != 2 || len(mine.Items) != 2 || mine.Items[0].ID != "b" {
		t.Errorf("unexpected ListMine %+v", mine)
	}

	requested, _ := f.ledger.ListMine(ctx, buyer, StatusRequested, Page{})
	if requested.Count != 1 || requested.Items[0].ID != "a" {
		t.Errorf("status filter ignored: %+v", requested)
	}

	if _, err := f.ledger.ListAll(ctx, buyer, ListFilter{}, Page{}); !errors.Is(err, ErrAdminOnly) {
		t.Errorf("got %v, want ErrAdminOnly", err)
	}
	all, err := f.ledger.ListAll(ctx, seller, ListFilter{}, Page{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if all.Count != 3 || len(all.Items) != 1 || all.Items[0].ID != "a" {
		t.Errorf("unexpected second page %+v", all)
	}

	byUser, _ := f.ledger.ListByUser(ctx, seller, other.UserID, Page{})
	if byUser.Count != 1 || byUser.Items[0].ID != "c" {
		t.Errorf("unexpected ListByUser %+v", byUser)
	}
	byProduct, _ := f.ledger.ListByProduct(ctx, seller, "nothing", Page{})
	if byProduct.Items == nil || byProduct.Count != 0 {
		t.Errorf("empty list must be non-nil: %+v", byProduct)
	}
}

func TestLedger_StorageFailureIsTimeout(t *testing.T) {
	f := newLedgerFixture()
	f.store.failGet = errors.New("connection refused")

	_, err := f.ledger.Get(context.Background(), buyer, "a")
	if apperr.KindOf(err) != apperr.Timeout {
		t.Fatalf("got kind %s, want Timeout", apperr.KindOf(err))
	}
	if apperr.PublicMessage(err) != storageUnavailable {
		t.Errorf("storage cause leaked: %q", apperr.PublicMessage(err))
	}
}
