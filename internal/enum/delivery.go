package enum

type DeliveryStatus string

const (
	DeliveryStatusQueued    DeliveryStatus = "queued"
	DeliveryStatusSending   DeliveryStatus = "sending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusRetry     DeliveryStatus = "retry"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusDiscarded DeliveryStatus = "discarded"
)

func (t DeliveryStatus) String() string {
	return string(t)
}

// IsTerminal reports whether the status permits no further transitions
func (t DeliveryStatus) IsTerminal() bool {
	return t == DeliveryStatusSent || t == DeliveryStatusFailed || t == DeliveryStatusDiscarded
}

type DeliveryErrorClass string

const (
	DeliveryErrorAuth      DeliveryErrorClass = "auth_error"
	DeliveryErrorRejected  DeliveryErrorClass = "recipient_rejected"
	DeliveryErrorTransient DeliveryErrorClass = "connection_error"
)

func (t DeliveryErrorClass) String() string {
	return string(t)
}

// Permanent reports whether the failure must never be retried
func (t DeliveryErrorClass) Permanent() bool {
	return t == DeliveryErrorAuth || t == DeliveryErrorRejected
}
