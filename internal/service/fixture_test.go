package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"enrol-payment/internal/client"
	"enrol-payment/internal/model"
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/repository"
	"enrol-payment/internal/testutil"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	buyer   []string
	admin   []string
	welcome []string
}

func (n *recordingNotifier) NotifyBuyer(ctx context.Context, buyerID, subject string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buyer = append(n.buyer, subject)
}

func (n *recordingNotifier) NotifyAdministrator(ctx context.Context, subject string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, subject)
}

func (n *recordingNotifier) Welcome(ctx context.Context, recipientID, productName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcome = append(n.welcome, recipientID)
}

// flakyEntitlements fails grants for the listed recipients and counts calls.
type flakyEntitlements struct {
	repository.EntitlementRepository
	failFor map[string]bool

	mu      sync.Mutex
	grants  int
	revokes int
}

func (f *flakyEntitlements) Grant(ctx context.Context, ent *model.Entitlement) error {
	if f.failFor[ent.RecipientID] {
		return errors.New("entitlement backend down")
	}
	f.mu.Lock()
	f.grants++
	f.mu.Unlock()
	return f.EntitlementRepository.Grant(ctx, ent)
}

func (f *flakyEntitlements) Revoke(ctx context.Context, recipientID, productID string) error {
	f.mu.Lock()
	f.revokes++
	f.mu.Unlock()
	return f.EntitlementRepository.Revoke(ctx, recipientID, productID)
}

func (f *flakyEntitlements) counts() (grants, revokes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants, f.revokes
}

type stubPaypal struct {
	verdict client.Verdict
	err     error
	calls   int
}

func (s *stubPaypal) VerifyNotification(ctx context.Context, rawBody []byte) (client.Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func (s *stubPaypal) CheckoutURL(req client.CheckoutRequest) string {
	return "https://checkout.test/webscr?custom=" + req.Custom + "&amount=" + req.Amount.StringFixed(2)
}

type fixture struct {
	db           *gorm.DB
	sessions     repository.SessionRepository
	transactions repository.TransactionRepository
	products     repository.ProductRepository
	users        repository.UserRepository
	entitlements *flakyEntitlements
	notifier     *recordingNotifier
	paypal       *stubPaypal
	reconciler   Reconciler
	checkout     CheckoutService
	discounts    DiscountService
}

func newFixture(t *testing.T, products ...*model.Product) *fixture {
	t.Helper()
	db := testutil.NewDB(t)

	if len(products) == 0 {
		products = []*model.Product{testutil.Product("p1")}
	}
	for _, p := range products {
		testutil.Seed(t, db, p)
	}
	testutil.Seed(t, db,
		&model.User{ID: "buyer", Email: "buyer@example.com", FirstName: "Bea", Country: "CA", TaxRegion: "ON"},
		&model.User{ID: "u1", Email: "one@example.com"},
		&model.User{ID: "u2", Email: "two@example.com"},
		&model.User{ID: "u3", Email: "three@example.com"},
	)

	f := &fixture{
		db:           db,
		sessions:     repository.NewSessionRepository(db),
		transactions: repository.NewTransactionRepository(db),
		products:     repository.NewProductRepository(db),
		users:        repository.NewUserRepository(db),
		entitlements: &flakyEntitlements{EntitlementRepository: repository.NewEntitlementRepository(db)},
		notifier:     &recordingNotifier{},
		paypal:       &stubPaypal{verdict: client.VerdictVerified},
	}

	taxes, _ := pricing.NewTaxTable(true, "", []string{"ON:0.13"})
	f.reconciler = NewReconciler(db, f.sessions, f.transactions, f.products, f.entitlements, f.users, f.notifier, "merchant@example.com", testutil.Logger())
	f.checkout = NewCheckoutService(db, f.paypal, f.sessions, f.transactions, f.products, f.entitlements, f.users, taxes, decimal.Zero, "https://svc.test/", testutil.Logger())
	f.discounts = NewDiscountService(db, f.sessions, f.products, testutil.Logger())
	return f
}

// session creates a session for buyer on p1 at 100.00 with the given tax rate.
func (f *fixture) session(t *testing.T, taxRate string) *model.PurchaseSession {
	t.Helper()
	s, err := f.sessions.Create(context.Background(), f.db, repository.NewSession{
		BuyerID:      "buyer",
		ProductID:    "p1",
		ContextID:    "course-p1",
		UnitBaseCost: decimal.RequireFromString("100.00"),
		TaxRate:      decimal.RequireFromString(taxRate),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *fixture) reload(t *testing.T, token string) *model.PurchaseSession {
	t.Helper()
	s, err := f.sessions.FindByToken(context.Background(), f.db, token)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	return s
}

func (f *fixture) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&model.NotificationRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return n
}

func (f *fixture) entitled(t *testing.T, recipientID string) bool {
	t.Helper()
	ok, err := f.entitlements.IsEntitled(context.Background(), recipientID, "p1")
	if err != nil {
		t.Fatalf("IsEntitled: %v", err)
	}
	return ok
}

func completed(token, txnID, gross string) *model.Notification {
	return &model.Notification{
		Token:         token,
		TxnID:         txnID,
		PaymentStatus: model.PaymentStatusCompleted,
		Gross:         decimal.RequireFromString(gross),
		Currency:      "USD",
		Receiver:      "merchant@example.com",
		Fields: map[string]string{
			"custom":         token,
			"txn_id":         txnID,
			"payment_status": model.PaymentStatusCompleted,
			"mc_gross":       gross,
		},
	}
}
