package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"enrol-payment/internal/model"
	"enrol-payment/internal/notify"
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reason qualifies a Rejected or Ignored outcome.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMalformed        Reason = "Malformed"
	ReasonUnknownSession   Reason = "UnknownSession"
	ReasonDuplicate        Reason = "Duplicate"
	ReasonBadStatus        Reason = "BadStatus"
	ReasonCurrencyMismatch Reason = "CurrencyMismatch"
	ReasonUnderpayment     Reason = "Underpayment"
	ReasonWrongReceiver    Reason = "WrongReceiver"
	ReasonAlreadySettled   Reason = "AlreadySettled"
	ReasonSessionClosed    Reason = "SessionClosed"
)

// Outcome is the terminal decision for one notification.
type Outcome struct {
	Result  model.NotificationOutcome
	Reason  Reason
	Session *model.PurchaseSession
	// Cost is the expected charge the notification was checked against; set
	// for Settled.
	Cost *pricing.CostBreakdown
	// FailedRecipients lists recipients whose grant did not complete.
	FailedRecipients []string
}

// amountTolerance absorbs one minor unit of rounding.
var amountTolerance = decimal.New(1, -2)

const maxReconcileAttempts = 3

var errSessionMoved = errors.New("session changed during reconcile")

// EntitlementStore is the entitlement collaborator.
type EntitlementStore interface {
	Grant(ctx context.Context, ent *model.Entitlement) error
	Revoke(ctx context.Context, recipientID, productID string) error
	IsEntitled(ctx context.Context, recipientID, productID string) (bool, error)
}

// Directory is the identity collaborator.
type Directory interface {
	ResolveByID(ctx context.Context, id string) (*model.User, error)
	ResolveByEmail(ctx context.Context, email string) (*model.User, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, n *model.Notification) (*Outcome, error)
	// Redrive replays entitlement grants for a settled session.
	Redrive(ctx context.Context, token string) (*Outcome, error)
	// RedriveAll replays grants for up to limit settled sessions whose grants
	// never completed.
	RedriveAll(ctx context.Context, limit int) ([]*Outcome, error)
}

type reconcilerImpl struct {
	db           *gorm.DB
	sessions     repository.SessionRepository
	transactions repository.TransactionRepository
	products     repository.ProductRepository
	entitlements EntitlementStore
	directory    Directory
	notifier     notify.Notifier
	business     string
	logger       *slog.Logger
	now          func() time.Time
}

func NewReconciler(
	db *gorm.DB,
	sessions repository.SessionRepository,
	transactions repository.TransactionRepository,
	products repository.ProductRepository,
	entitlements EntitlementStore,
	directory Directory,
	notifier notify.Notifier,
	business string,
	logger *slog.Logger,
) Reconciler {
	return &reconcilerImpl{
		db:           db,
		sessions:     sessions,
		transactions: transactions,
		products:     products,
		entitlements: entitlements,
		directory:    directory,
		notifier:     notifier,
		business:     business,
		logger:       logger.With("component", "reconciler"),
		now:          time.Now,
	}
}

func (r *reconcilerImpl) Reconcile(ctx context.Context, n *model.Notification) (*Outcome, error) {
	log := r.logger.With("txn_id", n.TxnID, "token", n.Token, "payment_status", n.PaymentStatus)

	if n.TxnID == "" {
		log.WarnContext(ctx, "notification without transaction id")
		return r.audit(ctx, n, nil, model.OutcomeRejected, ReasonMalformed)
	}

	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		out, err := r.reconcileOnce(ctx, log, n)
		if errors.Is(err, errSessionMoved) {
			log.InfoContext(ctx, "session changed under reconcile, restarting", "attempt", attempt+1)
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("reconcile %s: %w", n.TxnID, repository.ErrConcurrentUpdate)
}

func (r *reconcilerImpl) reconcileOnce(ctx context.Context, log *slog.Logger, n *model.Notification) (*Outcome, error) {
	// 1. correlate
	session, err := r.sessions.FindByToken(ctx, r.db, n.Token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			log.WarnContext(ctx, "notification for unknown session")
			return r.audit(ctx, n, nil, model.OutcomeRejected, ReasonUnknownSession)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	log = log.With("session_id", session.ID)

	product, err := r.products.FindByID(ctx, session.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", session.ProductID, err)
	}

	// 2. duplicate, before any side effect
	dup, err := r.transactions.Exists(ctx, r.db, n.TxnID, n.PaymentStatus)
	if err != nil {
		return nil, fmt.Errorf("check ledger: %w", err)
	}
	if dup {
		return r.duplicate(ctx, log, n, session)
	}

	// 3. status triage
	if !n.Recognized() {
		return r.unwind(ctx, log, n, session, product)
	}

	if session.Status == model.SessionSettled {
		// a later status for the transaction that settled it, e.g. an echeck clearing
		if deref(session.GatewayCorrelationID) == n.TxnID {
			return r.duplicate(ctx, log, n, session)
		}
		log.ErrorContext(ctx, "second transaction for settled session",
			"settled_txn", deref(session.GatewayCorrelationID))
		return r.rejectKeyed(ctx, n, session, ReasonAlreadySettled)
	}
	if session.Status == model.SessionRejected {
		log.WarnContext(ctx, "notification for rejected session")
		return r.rejectKeyed(ctx, n, session, ReasonSessionClosed)
	}

	// 4. currency
	if n.Currency != product.Currency {
		log.ErrorContext(ctx, "currency mismatch", "currency", n.Currency, "expected", product.Currency)
		return r.rejectKeyed(ctx, n, session, ReasonCurrencyMismatch)
	}

	// 5. held payment
	if n.Held() {
		return r.hold(ctx, log, n, session)
	}

	// 6. amount, from the session's own snapshot
	cost, err := pricing.ComputeCost(session.PricingInputs(), product.DiscountPolicy(), true)
	if err != nil {
		return nil, fmt.Errorf("recompute cost: %w", err)
	}
	if n.Gross.Add(amountTolerance).LessThan(cost.TotalTaxed) {
		log.ErrorContext(ctx, "underpayment", "gross", n.Gross.String(), "expected", cost.TotalTaxed.String())
		return r.rejectKeyed(ctx, n, session, ReasonUnderpayment)
	}

	// 7. receiver
	expected := product.Receiver
	if expected == "" {
		expected = r.business
	}
	if expected == "" || !strings.EqualFold(strings.TrimSpace(n.Receiver), expected) {
		log.ErrorContext(ctx, "payment sent to wrong receiver", "receiver", n.Receiver, "expected", expected)
		return r.rejectKeyed(ctx, n, session, ReasonWrongReceiver)
	}

	// 8. commit, then grant
	settled, err := r.commit(ctx, n, session, model.OutcomeSettled, ReasonNone, func(s *model.PurchaseSession) error {
		if s.Status != session.Status ||
			s.Quantity != session.Quantity ||
			s.DiscountEligible != session.DiscountEligible {
			return errSessionMoved
		}
		s.Status = model.SessionSettled
		s.GatewayCorrelationID = &n.TxnID
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateNotification) {
		return r.duplicate(ctx, log, n, session)
	}
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "session settled", "total", cost.TotalTaxed.String(), "gross", n.Gross.String())

	failed := r.grantAll(ctx, log, settled, product, false)

	// 9.
	return &Outcome{
		Result:           model.OutcomeSettled,
		Session:          settled,
		Cost:             cost,
		FailedRecipients: failed,
	}, nil
}

func (r *reconcilerImpl) hold(ctx context.Context, log *slog.Logger, n *model.Notification, session *model.PurchaseSession) (*Outcome, error) {
	held, err := r.commit(ctx, n, session, model.OutcomePending, ReasonNone, func(s *model.PurchaseSession) error {
		if s.Status.Terminal() {
			return errSessionMoved
		}
		s.Status = model.SessionPending
		s.GatewayCorrelationID = &n.TxnID
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateNotification) {
		return r.duplicate(ctx, log, n, session)
	}
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "payment held", "pending_reason", n.PendingReason)
	fields := r.fields(n, held)
	r.notifier.NotifyBuyer(ctx, held.BuyerID, "Your payment is pending", fields)
	r.notifier.NotifyAdministrator(ctx, "Payment pending: "+n.PendingReason, fields)

	return &Outcome{Result: model.OutcomePending, Session: held}, nil
}

// unwind handles a status that is neither settled nor clearing: refunds,
// reversals, denials. Grants are revoked only if this session made them;
// an unsettled session must not take away access bought elsewhere.
func (r *reconcilerImpl) unwind(ctx context.Context, log *slog.Logger, n *model.Notification, session *model.PurchaseSession, product *model.Product) (*Outcome, error) {
	if session.Status == model.SessionSettled {
		for _, recipient := range session.Recipients() {
			if err := r.entitlements.Revoke(ctx, recipient, product.ID); err != nil {
				log.ErrorContext(ctx, "revoke entitlement failed", "recipient_id", recipient, "error", err)
			}
		}
	}

	rejected, err := r.commit(ctx, n, session, model.OutcomeRejected, ReasonBadStatus, func(s *model.PurchaseSession) error {
		s.Status = model.SessionRejected
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateNotification) {
		return r.duplicate(ctx, log, n, session)
	}
	if err != nil {
		return nil, err
	}

	log.ErrorContext(ctx, "payment not completed", "prior_status", session.Status)
	r.notifier.NotifyAdministrator(ctx, "Payment rejected: "+string(ReasonBadStatus), r.fields(n, rejected))

	return &Outcome{Result: model.OutcomeRejected, Reason: ReasonBadStatus, Session: rejected}, nil
}

// rejectKeyed records a rejection under the notification's dedup key so
// redelivery is ignored instead of re-alerting. The session is not touched.
func (r *reconcilerImpl) rejectKeyed(ctx context.Context, n *model.Notification, session *model.PurchaseSession, reason Reason) (*Outcome, error) {
	rec := r.record(n, session, model.OutcomeRejected, reason, true)
	err := r.transactions.Append(ctx, r.db, rec)
	if errors.Is(err, repository.ErrDuplicateNotification) {
		return r.duplicate(ctx, r.logger.With("txn_id", n.TxnID), n, session)
	}
	if err != nil {
		return nil, err
	}

	r.notifier.NotifyAdministrator(ctx, "Payment rejected: "+string(reason), r.fields(n, session))
	return &Outcome{Result: model.OutcomeRejected, Reason: reason, Session: session}, nil
}

func (r *reconcilerImpl) duplicate(ctx context.Context, log *slog.Logger, n *model.Notification, session *model.PurchaseSession) (*Outcome, error) {
	log.DebugContext(ctx, "duplicate notification ignored")
	return r.audit(ctx, n, session, model.OutcomeIgnored, ReasonDuplicate)
}

// audit appends an unkeyed record. Unkeyed rows never block a later
// genuine event.
func (r *reconcilerImpl) audit(ctx context.Context, n *model.Notification, session *model.PurchaseSession, result model.NotificationOutcome, reason Reason) (*Outcome, error) {
	if err := r.transactions.Append(ctx, r.db, r.record(n, session, result, reason, false)); err != nil {
		return nil, err
	}
	if result == model.OutcomeRejected {
		r.notifier.NotifyAdministrator(ctx, "Payment rejected: "+string(reason), r.fields(n, session))
	}
	return &Outcome{Result: result, Reason: reason, Session: session}, nil
}

// commit appends the keyed record and applies mutate to the session in one
// transaction.
func (r *reconcilerImpl) commit(ctx context.Context, n *model.Notification, session *model.PurchaseSession, result model.NotificationOutcome, reason Reason, mutate func(*model.PurchaseSession) error) (*model.PurchaseSession, error) {
	var updated *model.PurchaseSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.transactions.Append(ctx, tx, r.record(n, session, result, reason, true)); err != nil {
			return err
		}

		var err error
		updated, err = r.sessions.Update(ctx, tx, session.Token, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// grantAll grants every recipient. Failures are per recipient: they are
// reported and the loop moves on. With skipEntitled, recipients that already
// hold the product keep their window and get no second welcome.
func (r *reconcilerImpl) grantAll(ctx context.Context, log *slog.Logger, session *model.PurchaseSession, product *model.Product, skipEntitled bool) []string {
	now := r.now()
	var until *time.Time
	if product.ValidityPeriod > 0 {
		end := now.Add(product.ValidityPeriod)
		until = &end
	}

	var failed []string
	for _, recipientID := range session.Recipients() {
		user, err := r.directory.ResolveByID(ctx, recipientID)
		if err != nil {
			log.ErrorContext(ctx, "cannot resolve recipient", "recipient_id", recipientID, "error", err)
			r.notifier.NotifyAdministrator(ctx, "Entitlement not granted: unknown recipient", map[string]string{
				"session_token": session.Token,
				"recipient_id":  recipientID,
				"product_id":    product.ID,
			})
			failed = append(failed, recipientID)
			continue
		}

		if skipEntitled {
			held, err := r.entitlements.IsEntitled(ctx, user.ID, product.ID)
			if err != nil {
				log.WarnContext(ctx, "check entitlement before redrive", "recipient_id", recipientID, "error", err)
			} else if held {
				continue
			}
		}

		err = r.entitlements.Grant(ctx, &model.Entitlement{
			RecipientID: user.ID,
			ProductID:   product.ID,
			ContextID:   product.ContextID,
			Role:        product.Role,
			GroupID:     product.GroupID,
			ValidFrom:   now,
			ValidUntil:  until,
		})
		if err != nil {
			log.ErrorContext(ctx, "grant entitlement failed", "recipient_id", recipientID, "error", err)
			r.notifier.NotifyAdministrator(ctx, "Entitlement grant failed", map[string]string{
				"session_token": session.Token,
				"recipient_id":  recipientID,
				"product_id":    product.ID,
				"error":         err.Error(),
			})
			failed = append(failed, recipientID)
			continue
		}

		if product.SendWelcome {
			r.notifier.Welcome(ctx, user.ID, product.Name)
		}
	}

	if len(failed) > 0 {
		return failed
	}

	if _, err := r.sessions.Update(ctx, r.db, session.Token, func(s *model.PurchaseSession) error {
		s.GrantedAt = &now
		return nil
	}); err != nil {
		log.WarnContext(ctx, "mark session granted", "error", err)
	} else {
		session.GrantedAt = &now
	}
	return nil
}

func (r *reconcilerImpl) Redrive(ctx context.Context, token string) (*Outcome, error) {
	session, err := r.sessions.FindByToken(ctx, r.db, token)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionSettled {
		return nil, fmt.Errorf("redrive %s: %w", token, ErrSessionNotSettled)
	}

	product, err := r.products.FindByID(ctx, session.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", session.ProductID, err)
	}

	log := r.logger.With("token", token, "session_id", session.ID)
	log.InfoContext(ctx, "redriving entitlement grants")
	failed := r.grantAll(ctx, log, session, product, true)

	return &Outcome{Result: model.OutcomeSettled, Session: session, FailedRecipients: failed}, nil
}

func (r *reconcilerImpl) RedriveAll(ctx context.Context, limit int) ([]*Outcome, error) {
	sessions, err := r.sessions.ListUngranted(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list ungranted sessions: %w", err)
	}

	outcomes := make([]*Outcome, 0, len(sessions))
	for _, s := range sessions {
		out, err := r.Redrive(ctx, s.Token)
		if err != nil {
			r.logger.ErrorContext(ctx, "redrive failed", "token", s.Token, "error", err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (r *reconcilerImpl) record(n *model.Notification, session *model.PurchaseSession, result model.NotificationOutcome, reason Reason, keyed bool) *model.NotificationRecord {
	rec := &model.NotificationRecord{
		TxnID:         n.TxnID,
		SessionToken:  n.Token,
		PaymentStatus: n.PaymentStatus,
		PendingReason: n.PendingReason,
		Gross:         n.Gross,
		Currency:      n.Currency,
		Receiver:      n.Receiver,
		Outcome:       result,
		Reason:        string(reason),
		RawPayload:    rawPayload(n.Fields),
		ReceivedAt:    r.now(),
	}
	if session != nil {
		id := session.ID
		rec.SessionID = &id
	}
	if keyed {
		key := model.DedupKeyFor(n.TxnID, n.PaymentStatus)
		rec.DedupKey = &key
	}
	return rec
}

func (r *reconcilerImpl) fields(n *model.Notification, session *model.PurchaseSession) map[string]string {
	f := map[string]string{
		"txn_id":         n.TxnID,
		"payment_status": n.PaymentStatus,
		"pending_reason": n.PendingReason,
		"gross":          n.Gross.String(),
		"currency":       n.Currency,
		"receiver":       n.Receiver,
		"session_token":  n.Token,
	}
	if session != nil {
		f["buyer_id"] = session.BuyerID
		f["product_id"] = session.ProductID
		f["session_status"] = string(session.Status)
	}
	return f
}

func rawPayload(fields map[string]string) datatypes.JSON {
	if len(fields) == 0 {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
