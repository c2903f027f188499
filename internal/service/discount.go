package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"enrol-payment/internal/model"
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/repository"

	"gorm.io/gorm"
)

// ErrIncorrectCode is a user mistake, not a system failure.
var ErrIncorrectCode = errors.New("incorrect discount code")

type DiscountService interface {
	Redeem(ctx context.Context, buyerID, token, code string) (*pricing.CostBreakdown, error)
}

type discountServiceImpl struct {
	db       *gorm.DB
	sessions repository.SessionRepository
	products repository.ProductRepository
	logger   *slog.Logger
}

func NewDiscountService(db *gorm.DB, sessions repository.SessionRepository, products repository.ProductRepository, logger *slog.Logger) DiscountService {
	return &discountServiceImpl{
		db:       db,
		sessions: sessions,
		products: products,
		logger:   logger.With("component", "discount"),
	}
}

func (s *discountServiceImpl) Redeem(ctx context.Context, buyerID, token, code string) (*pricing.CostBreakdown, error) {
	session, err := s.sessions.FindByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if session.BuyerID != buyerID {
		return nil, repository.ErrSessionNotFound
	}

	product, err := s.products.FindByID(ctx, session.ProductID)
	if err != nil {
		return nil, err
	}

	// case-sensitive
	configured := strings.TrimSpace(product.DiscountCode)
	if configured == "" || strings.TrimSpace(code) != configured {
		s.logger.InfoContext(ctx, "discount code mismatch", "token", token)
		return nil, ErrIncorrectCode
	}

	if !session.DiscountEligible {
		session, err = s.sessions.Update(ctx, s.db, token, func(ps *model.PurchaseSession) error {
			if !ps.Status.Open() {
				return ErrSessionNotOpen
			}
			ps.DiscountEligible = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "discount code redeemed", "token", token)
	}

	return pricing.ComputeCost(session.PricingInputs(), product.DiscountPolicy(), true)
}
