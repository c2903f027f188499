package service

import (
	"context"
	"log/slog"
	"time"
)

// Expirer is the part of the entitlement store the expiry job needs.
type Expirer interface {
	ExpireBefore(ctx context.Context, t time.Time) (int64, error)
}

type ExpiryService struct {
	entitlements Expirer
	logger       *slog.Logger
	now          func() time.Time
}

func NewExpiryService(entitlements Expirer, logger *slog.Logger) *ExpiryService {
	return &ExpiryService{
		entitlements: entitlements,
		logger:       logger.With("component", "expiry"),
		now:          time.Now,
	}
}

// Run deactivates entitlements whose validity window has closed.
func (s *ExpiryService) Run(ctx context.Context) (int64, error) {
	n, err := s.entitlements.ExpireBefore(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "expire entitlements", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "entitlements expired", "count", n)
	}
	return n, nil
}
