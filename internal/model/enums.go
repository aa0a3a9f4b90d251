package model

// Media types
type MediaType string

const (
	MediaTypeVideo  MediaType = "video"
	MediaTypeAudio  MediaType = "audio"
	MediaTypeImage  MediaType = "image"
	MediaTypeDesign MediaType = "design"
	MediaType3D     MediaType = "3d"
)

var ValidMediaTypes = []MediaType{
	MediaTypeVideo, MediaTypeAudio, MediaTypeImage, MediaTypeDesign, MediaType3D,
}

// IsValidMediaType reports whether mt is a known media type.
func IsValidMediaType(mt MediaType) bool {
	for _, v := range ValidMediaTypes {
		if v == mt {
			return true
		}
	}
	return false
}

// Job states
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateReserving  JobState = "reserving"
	JobStateDispatched JobState = "dispatched"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Reservation status
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// IsTerminal reports whether the reservation can no longer change.
func (s ReservationStatus) IsTerminal() bool {
	return s != ReservationReserved
}

// Provider status
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "active"
	ProviderMaintenance ProviderStatus = "maintenance"
	ProviderDisabled    ProviderStatus = "disabled"
)

// Transaction types
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// Stable failure reason codes surfaced on terminally failed jobs
const (
	FailureReasonProviderTimeout     = "PROVIDER_TIMEOUT"
	FailureReasonProviderError       = "PROVIDER_ERROR"
	FailureReasonNoProviderAvailable = "NO_PROVIDER_AVAILABLE"
	FailureReasonInsufficientFunds   = "INSUFFICIENT_FUNDS"
	FailureReasonOverageOnConfirm    = "OVERAGE_ON_CONFIRM"
	FailureReasonReservationExpired  = "RESERVATION_EXPIRED"
	FailureReasonCancelled           = "CANCELLED"
	FailureReasonInternal            = "INTERNAL_ERROR"
)
