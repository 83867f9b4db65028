package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// GetCustomerID returns the cached external payment-customer id for a user.
// It returns an empty string when the profile exists but no customer has
// been created yet, and ErrNotFound for an unknown user.
func (s *Store) GetCustomerID(ctx context.Context, userID pgtype.UUID) (string, error) {
	var customerID pgtype.Text
	err := s.Pool.QueryRow(ctx, `SELECT stripe_customer_id FROM profiles WHERE user_id = $1`, userID).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return TextString(customerID), nil
}

// SetCustomerID persists the external customer id onto the user's profile.
// The write happens at most once per user; a concurrent writer that lost the
// race keeps the id that landed first.
func (s *Store) SetCustomerID(ctx context.Context, userID pgtype.UUID, customerID string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE profiles
		SET stripe_customer_id = COALESCE(stripe_customer_id, $2), updated_at = now()
		WHERE user_id = $1`,
		userID, customerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
