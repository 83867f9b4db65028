package events

// Topics emitted by the rental payment lifecycle.
const (
	TopicRentalActivated     = "rental.activated"
	TopicRentalCompleted     = "rental.completed"
	TopicRentalPaymentFailed = "rental.payment_failed"
	TopicRentalExpired       = "rental.expired"
)
