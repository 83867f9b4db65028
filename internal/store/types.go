package store

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// RentalStatus enumerates the rental state machine.
type RentalStatus string

const (
	// RentalStatusPendingPayment is the initial state: a card hold has been
	// opened but the customer has not yet confirmed it.
	RentalStatusPendingPayment RentalStatus = "pending_payment"
	// RentalStatusActive means the hold is confirmed and the powerbank is out.
	RentalStatusActive RentalStatus = "active"
	// RentalStatusCompleted is terminal: the final charge settled.
	RentalStatusCompleted RentalStatus = "completed"
	// RentalStatusFailed is terminal: the hold was never confirmed or the
	// rental was administratively abandoned.
	RentalStatusFailed RentalStatus = "failed"
)

// PaymentStatus enumerates rental payment ledger entries.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Rental represents one powerbank checkout-to-return cycle.
type Rental struct {
	ID               pgtype.UUID
	Ref              string
	UserID           pgtype.UUID
	PowerBankID      string
	StartStationID   string
	EndStationID     pgtype.Text
	Status           RentalStatus
	MaxAmountCents   int64
	FinalAmountCents pgtype.Int8
	StartTime        pgtype.Timestamptz
	EndTime          pgtype.Timestamptz
	PaymentMethodID  pgtype.Text
	SetupIntentID    pgtype.Text
	PaymentIntentID  pgtype.Text
	FailureReason    pgtype.Text
	CreatedAt        pgtype.Timestamptz
	UpdatedAt        pgtype.Timestamptz
}

// RentalPayment is one row of the append-only settlement ledger.
type RentalPayment struct {
	ID              pgtype.UUID
	RentalID        pgtype.UUID
	PaymentIntentID string
	AmountCents     int64
	Status          PaymentStatus
	ErrorMessage    pgtype.Text
	CreatedAt       pgtype.Timestamptz
}

// DomainEvent is an audit feed entry.
type DomainEvent struct {
	ID          pgtype.UUID
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
	OccurredAt  pgtype.Timestamptz
}

// ToUUID parses a string identifier into a pgtype.UUID.
func ToUUID(value string) (pgtype.UUID, error) {
	var id pgtype.UUID
	if err := id.Scan(strings.TrimSpace(value)); err != nil {
		return pgtype.UUID{}, err
	}
	return id, nil
}

// UUIDString renders a pgtype.UUID as its canonical string form.
func UUIDString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	u, err := uuid.FromBytes(id.Bytes[:])
	if err != nil {
		return ""
	}
	return u.String()
}

// ToText wraps a string into a pgtype.Text, treating blank as NULL.
func ToText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

// TextString unwraps a pgtype.Text into a plain string.
func TextString(value pgtype.Text) string {
	if !value.Valid {
		return ""
	}
	return value.String
}
