package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"enrol-payment/internal/model"
	"enrol-payment/internal/testutil"

	"gorm.io/gorm"
)

func keyed(txnID, status string) *model.NotificationRecord {
	key := model.DedupKeyFor(txnID, status)
	return &model.NotificationRecord{
		DedupKey:      &key,
		TxnID:         txnID,
		PaymentStatus: status,
		Outcome:       model.OutcomeSettled,
	}
}

func TestTransactionRepository_AppendEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)

	if err := repo.Append(ctx, db, keyed("TXN-1", "Completed")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err := repo.Append(ctx, db, keyed("TXN-1", "Completed"))
	if !errors.Is(err, ErrDuplicateNotification) {
		t.Fatalf("second Append err = %v, want ErrDuplicateNotification", err)
	}

	// Pending then Completed for the same transaction are distinct events.
	if err := repo.Append(ctx, db, keyed("TXN-1", "Pending")); err != nil {
		t.Fatalf("Append pending: %v", err)
	}

	exists, err := repo.Exists(ctx, db, "TXN-1", "Completed")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}
	exists, err = repo.Exists(ctx, db, "TXN-2", "Completed")
	if err != nil || exists {
		t.Fatalf("Exists(unknown) = %v, %v; want false", exists, err)
	}
}

func TestTransactionRepository_UnkeyedRecordsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)

	for i := 0; i < 3; i++ {
		err := repo.Append(ctx, db, &model.NotificationRecord{
			TxnID:   "TXN-FORGED",
			Outcome: model.OutcomeInvalid,
		})
		if err != nil {
			t.Fatalf("Append audit record %d: %v", i, err)
		}
	}

	// forged audit rows never block the genuine event
	if err := repo.Append(ctx, db, keyed("TXN-FORGED", "Completed")); err != nil {
		t.Fatalf("Append genuine: %v", err)
	}
}

func TestTransactionRepository_AppendRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)

	sentinel := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := repo.Append(ctx, tx, keyed("TXN-9", "Completed")); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("transaction err = %v", err)
	}

	exists, err := repo.Exists(ctx, db, "TXN-9", "Completed")
	if err != nil || exists {
		t.Fatalf("record survived rollback: %v, %v", exists, err)
	}
}

func TestTransactionRepository_LatestForSession(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)

	sessionID := uint(7)
	pending := keyed("TXN-5", "Pending")
	pending.SessionID = &sessionID
	pending.Outcome = model.OutcomePending
	pending.ReceivedAt = time.Now().Add(-time.Minute)
	completed := keyed("TXN-5", "Completed")
	completed.SessionID = &sessionID
	completed.ReceivedAt = time.Now()

	for _, rec := range []*model.NotificationRecord{pending, completed} {
		if err := repo.Append(ctx, db, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	latest, err := repo.LatestForSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("LatestForSession: %v", err)
	}
	if latest == nil || latest.PaymentStatus != "Completed" {
		t.Fatalf("latest = %+v, want the Completed record", latest)
	}

	none, err := repo.LatestForSession(ctx, 99)
	if err != nil || none != nil {
		t.Fatalf("LatestForSession(unknown) = %+v, %v", none, err)
	}
}
