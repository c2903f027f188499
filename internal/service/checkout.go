package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"enrol-payment/internal/client"
	"enrol-payment/internal/model"
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNoCost             = errors.New("product has no cost")
	ErrMultipleNotAllowed = errors.New("product does not allow purchase for others")
	ErrDuplicateRecipient = errors.New("recipient listed more than once")
	ErrNoRecipients       = errors.New("at least one recipient is required")
	ErrSessionNotOpen     = errors.New("purchase session can no longer be changed")
	ErrSessionNotSettled  = errors.New("purchase session is not settled")
)

// RecipientsNotFoundError lists e-mail addresses that resolved to no user.
type RecipientsNotFoundError struct {
	Emails []string
}

func (e *RecipientsNotFoundError) Error() string {
	return "unknown recipients: " + strings.Join(e.Emails, ", ")
}

var minimumCost = decimal.New(1, -2)

// SessionView is a session with its product and current taxed price.
type SessionView struct {
	Session *model.PurchaseSession
	Product *model.Product
	Cost    *pricing.CostBreakdown
}

type PaymentRedirect struct {
	Token       string
	CheckoutURL string
	Cost        *pricing.CostBreakdown
}

// SettlementStatus answers "has my payment settled yet".
type SettlementStatus struct {
	Token             string
	Status            model.SessionStatus
	Entitled          bool
	LastPaymentStatus string
}

type CheckoutService interface {
	CreateSession(ctx context.Context, buyerID, productID string) (*SessionView, error)
	GetSession(ctx context.Context, buyerID, token string) (*SessionView, error)
	// SetRecipients turns the session into a purchase for the listed
	// e-mail addresses.
	SetRecipients(ctx context.Context, buyerID, token string, emails []string) (*SessionView, error)
	// SetSingle turns the session back into a purchase for the buyer alone.
	SetSingle(ctx context.Context, buyerID, token string) (*SessionView, error)
	BeginPayment(ctx context.Context, buyerID, token string) (*PaymentRedirect, error)
	Status(ctx context.Context, buyerID, token string) (*SettlementStatus, error)
}

type checkoutServiceImpl struct {
	db           *gorm.DB
	paypalClient client.PaypalClient
	sessions     repository.SessionRepository
	transactions repository.TransactionRepository
	products     repository.ProductRepository
	entitlements EntitlementStore
	directory    Directory
	taxes        pricing.TaxTable
	defaultCost  decimal.Decimal
	baseURL      string
	logger       *slog.Logger
}

func NewCheckoutService(
	db *gorm.DB,
	paypalClient client.PaypalClient,
	sessions repository.SessionRepository,
	transactions repository.TransactionRepository,
	products repository.ProductRepository,
	entitlements EntitlementStore,
	directory Directory,
	taxes pricing.TaxTable,
	defaultCost decimal.Decimal,
	baseURL string,
	logger *slog.Logger,
) CheckoutService {
	return &checkoutServiceImpl{
		db:           db,
		paypalClient: paypalClient,
		sessions:     sessions,
		transactions: transactions,
		products:     products,
		entitlements: entitlements,
		directory:    directory,
		taxes:        taxes,
		defaultCost:  defaultCost,
		baseURL:      strings.TrimRight(baseURL, "/"),
		logger:       logger.With("component", "checkout"),
	}
}

func (s *checkoutServiceImpl) CreateSession(ctx context.Context, buyerID, productID string) (*SessionView, error) {
	buyer, err := s.directory.ResolveByID(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("resolve buyer: %w", err)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	cost := product.Cost
	if !cost.IsPositive() {
		cost = s.defaultCost
	}
	if cost.LessThan(minimumCost) {
		return nil, ErrNoCost
	}

	session, err := s.sessions.Create(ctx, s.db, repository.NewSession{
		BuyerID:      buyer.ID,
		ProductID:    product.ID,
		ContextID:    product.ContextID,
		UnitBaseCost: cost,
		TaxRate:      s.taxes.Rate(buyer.Country, buyer.TaxRegion),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.InfoContext(ctx, "session created", "token", session.Token, "buyer_id", buyer.ID, "product_id", product.ID)
	return s.view(session, product)
}

func (s *checkoutServiceImpl) GetSession(ctx context.Context, buyerID, token string) (*SessionView, error) {
	session, err := s.owned(ctx, buyerID, token)
	if err != nil {
		return nil, err
	}

	product, err := s.products.FindByID(ctx, session.ProductID)
	if err != nil {
		return nil, err
	}
	return s.view(session, product)
}

func (s *checkoutServiceImpl) SetRecipients(ctx context.Context, buyerID, token string, emails []string) (*SessionView, error) {
	session, err := s.owned(ctx, buyerID, token)
	if err != nil {
		return nil, err
	}

	product, err := s.products.FindByID(ctx, session.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.AllowMultiple {
		return nil, ErrMultipleNotAllowed
	}

	ids, err := s.resolveRecipients(ctx, emails)
	if err != nil {
		return nil, err
	}

	updated, err := s.sessions.Update(ctx, s.db, token, func(ps *model.PurchaseSession) error {
		if !ps.Status.Open() {
			return ErrSessionNotOpen
		}
		ps.Multiple = true
		ps.RecipientIDs = ids
		ps.Quantity = len(ids)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.view(updated, product)
}

func (s *checkoutServiceImpl) resolveRecipients(ctx context.Context, emails []string) ([]string, error) {
	seen := make(map[string]bool, len(emails))
	var ids []string
	var missing []string

	for _, raw := range emails {
		email := strings.ToLower(strings.TrimSpace(raw))
		if email == "" {
			continue
		}
		if seen[email] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRecipient, email)
		}
		seen[email] = true

		user, err := s.directory.ResolveByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				missing = append(missing, email)
				continue
			}
			return nil, fmt.Errorf("resolve recipient: %w", err)
		}
		ids = append(ids, user.ID)
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &RecipientsNotFoundError{Emails: missing}
	}
	if len(ids) == 0 {
		return nil, ErrNoRecipients
	}
	return ids, nil
}

func (s *checkoutServiceImpl) SetSingle(ctx context.Context, buyerID, token string) (*SessionView, error) {
	if _, err := s.owned(ctx, buyerID, token); err != nil {
		return nil, err
	}

	updated, err := s.sessions.Update(ctx, s.db, token, func(ps *model.PurchaseSession) error {
		if !ps.Status.Open() {
			return ErrSessionNotOpen
		}
		ps.Multiple = false
		ps.RecipientIDs = nil
		ps.Quantity = 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	product, err := s.products.FindByID(ctx, updated.ProductID)
	if err != nil {
		return nil, err
	}
	return s.view(updated, product)
}

func (s *checkoutServiceImpl) BeginPayment(ctx context.Context, buyerID, token string) (*PaymentRedirect, error) {
	if _, err := s.owned(ctx, buyerID, token); err != nil {
		return nil, err
	}

	updated, err := s.sessions.Update(ctx, s.db, token, func(ps *model.PurchaseSession) error {
		if !ps.Status.Open() {
			return ErrSessionNotOpen
		}
		ps.Status = model.SessionAwaitingGateway
		return nil
	})
	if err != nil {
		return nil, err
	}

	product, err := s.products.FindByID(ctx, updated.ProductID)
	if err != nil {
		return nil, err
	}
	cost, err := pricing.ComputeCost(updated.PricingInputs(), product.DiscountPolicy(), true)
	if err != nil {
		return nil, err
	}

	itemName := product.Name
	if updated.Quantity > 1 {
		itemName = fmt.Sprintf("%s x%d", product.Name, updated.Quantity)
	}

	checkoutURL := s.paypalClient.CheckoutURL(client.CheckoutRequest{
		ItemName:  itemName,
		Amount:    cost.TotalTaxed,
		Currency:  product.Currency,
		Custom:    updated.Token,
		NotifyURL: s.baseURL + "/api/paypal/ipn",
		ReturnURL: s.baseURL + "/api/checkout/sessions/" + updated.Token + "/status",
		Business:  product.Receiver,
	})

	s.logger.InfoContext(ctx, "redirecting to gateway", "token", updated.Token, "amount", cost.TotalTaxed.StringFixed(2))
	return &PaymentRedirect{Token: updated.Token, CheckoutURL: checkoutURL, Cost: cost}, nil
}

func (s *checkoutServiceImpl) Status(ctx context.Context, buyerID, token string) (*SettlementStatus, error) {
	session, err := s.owned(ctx, buyerID, token)
	if err != nil {
		return nil, err
	}

	status := &SettlementStatus{Token: session.Token, Status: session.Status}

	latest, err := s.transactions.LatestForSession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("latest notification: %w", err)
	}
	if latest != nil {
		status.LastPaymentStatus = latest.PaymentStatus
	}

	if session.Status == model.SessionSettled {
		status.Entitled = true
		for _, recipient := range session.Recipients() {
			ok, err := s.entitlements.IsEntitled(ctx, recipient, session.ProductID)
			if err != nil {
				return nil, fmt.Errorf("check entitlement: %w", err)
			}
			if !ok {
				status.Entitled = false
				break
			}
		}
	}

	return status, nil
}

// owned loads a session the buyer owns. Someone else's token reads as not
// found.
func (s *checkoutServiceImpl) owned(ctx context.Context, buyerID, token string) (*model.PurchaseSession, error) {
	session, err := s.sessions.FindByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if session.BuyerID != buyerID {
		return nil, repository.ErrSessionNotFound
	}
	return session, nil
}

func (s *checkoutServiceImpl) view(session *model.PurchaseSession, product *model.Product) (*SessionView, error) {
	cost, err := pricing.ComputeCost(session.PricingInputs(), product.DiscountPolicy(), true)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: session, Product: product, Cost: cost}, nil
}
