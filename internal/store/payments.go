package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const uniqueViolation = "23505"

// InsertRentalPaymentParams captures one ledger entry.
type InsertRentalPaymentParams struct {
	RentalID        pgtype.UUID
	PaymentIntentID string
	AmountCents     int64
	Status          PaymentStatus
	ErrorMessage    string
}

// InsertRentalPayment appends a settlement attempt to the ledger. Rows are
// never updated. A redelivered provider event hits the unique index on
// (payment_intent_id, status) and is absorbed as a no-op.
func (s *Store) InsertRentalPayment(ctx context.Context, arg InsertRentalPaymentParams) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO rental_payments (rental_id, payment_intent_id, amount_cents, status, error_message)
		VALUES ($1, $2, $3, $4, $5)`,
		arg.RentalID, arg.PaymentIntentID, arg.AmountCents, arg.Status, ToText(arg.ErrorMessage))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil
		}
		return err
	}
	return nil
}

// ListRentalPayments returns the ledger for a rental, oldest first.
func (s *Store) ListRentalPayments(ctx context.Context, rentalID pgtype.UUID) ([]RentalPayment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, rental_id, payment_intent_id, amount_cents, status, error_message, created_at
		FROM rental_payments
		WHERE rental_id = $1
		ORDER BY created_at ASC`, rentalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []RentalPayment
	for rows.Next() {
		var p RentalPayment
		if err := rows.Scan(&p.ID, &p.RentalID, &p.PaymentIntentID, &p.AmountCents, &p.Status, &p.ErrorMessage, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
