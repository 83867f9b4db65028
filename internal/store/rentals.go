package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const rentalColumns = `id, ref, user_id, power_bank_id, start_station_id, end_station_id,
	status, max_amount_cents, final_amount_cents, start_time, end_time,
	payment_method_id, setup_intent_id, payment_intent_id, failure_reason,
	created_at, updated_at`

// CreateRentalParams captures the fields required to open a pending rental.
type CreateRentalParams struct {
	Ref            string
	UserID         pgtype.UUID
	PowerBankID    string
	StartStationID string
	MaxAmountCents int64
	SetupIntentID  string
}

// CreateRental inserts a rental in the pending_payment state.
func (s *Store) CreateRental(ctx context.Context, arg CreateRentalParams) (Rental, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO rentals (ref, user_id, power_bank_id, start_station_id, status, max_amount_cents, setup_intent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+rentalColumns,
		arg.Ref, arg.UserID, arg.PowerBankID, arg.StartStationID, RentalStatusPendingPayment, arg.MaxAmountCents, ToText(arg.SetupIntentID))
	return scanRental(row)
}

// GetRental fetches a rental by id.
func (s *Store) GetRental(ctx context.Context, id pgtype.UUID) (Rental, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id)
	return scanRental(row)
}

// GetRentalByRef fetches a rental by its human-readable reference.
func (s *Store) GetRentalByRef(ctx context.Context, ref string) (Rental, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE ref = $1`, ref)
	return scanRental(row)
}

// ActivateRental applies the pending_payment -> active transition. The
// conditional WHERE clause makes redelivered confirmations a no-op: the
// second writer matches zero rows and start_time is never overwritten.
func (s *Store) ActivateRental(ctx context.Context, id pgtype.UUID, paymentMethodID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE rentals
		SET status = $2, start_time = now(), payment_method_id = COALESCE(NULLIF($3, ''), payment_method_id), updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, RentalStatusActive, paymentMethodID, RentalStatusPendingPayment)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ActivateRentalBySetupIntent applies the same transition matched by the
// stored setup-intent reference. It returns the rental row, whether the
// transition was applied by this call, and ErrNotFound when no rental
// carries the given setup intent.
func (s *Store) ActivateRentalBySetupIntent(ctx context.Context, setupIntentID, paymentMethodID string) (Rental, bool, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE rentals
		SET status = $2, start_time = now(), payment_method_id = COALESCE(NULLIF($3, ''), payment_method_id), updated_at = now()
		WHERE setup_intent_id = $1 AND status = $4
		RETURNING `+rentalColumns,
		setupIntentID, RentalStatusActive, paymentMethodID, RentalStatusPendingPayment)
	rental, err := scanRental(row)
	if err == nil {
		return rental, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Rental{}, false, err
	}
	// Already transitioned (or unknown): report current state without writing.
	existing := s.Pool.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE setup_intent_id = $1`, setupIntentID)
	rental, err = scanRental(existing)
	if err != nil {
		return Rental{}, false, err
	}
	return rental, false, nil
}

// CompleteRentalParams captures the finalize write.
type CompleteRentalParams struct {
	ID               pgtype.UUID
	EndStationID     string
	FinalAmountCents int64
	PaymentIntentID  string
}

// CompleteRental applies the active -> completed transition. Only one of the
// synchronous finalize call and the webhook reconciler can win; the loser
// matches zero rows.
func (s *Store) CompleteRental(ctx context.Context, arg CompleteRentalParams) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE rentals
		SET status = $2, end_time = now(), end_station_id = $3, final_amount_cents = $4,
		    payment_intent_id = $5, updated_at = now()
		WHERE id = $1 AND status = $6`,
		arg.ID, RentalStatusCompleted, ToText(arg.EndStationID), arg.FinalAmountCents,
		ToText(arg.PaymentIntentID), RentalStatusActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpirePendingRentals sweeps rentals whose hold was never confirmed within
// maxAge into the failed state and returns how many rows were affected.
func (s *Store) ExpirePendingRentals(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE rentals
		SET status = $1, failure_reason = 'setup confirmation expired', updated_at = now()
		WHERE status = $2 AND created_at < now() - $3::interval`,
		RentalStatusFailed, RentalStatusPendingPayment, maxAge.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRental(row pgx.Row) (Rental, error) {
	var r Rental
	err := row.Scan(
		&r.ID, &r.Ref, &r.UserID, &r.PowerBankID, &r.StartStationID, &r.EndStationID,
		&r.Status, &r.MaxAmountCents, &r.FinalAmountCents, &r.StartTime, &r.EndTime,
		&r.PaymentMethodID, &r.SetupIntentID, &r.PaymentIntentID, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rental{}, ErrNotFound
		}
		return Rental{}, err
	}
	return r, nil
}
