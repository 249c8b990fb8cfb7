package domain

// Status is the closed lifecycle enumeration for a mandate.
//
//	AwaitingAuthorization -> Authorized -> Processed
//
// Expired is reachable from either of the first two once the deadline
// passes; Processed and Expired are terminal.
type Status string

const (
	StatusAwaitingAuthorization Status = "awaiting_authorization"
	StatusAuthorized            Status = "authorized"
	StatusProcessed             Status = "processed"
	StatusExpired               Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingAuthorization, StatusAuthorized, StatusProcessed, StatusExpired:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusExpired
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusAwaitingAuthorization:
		return to == StatusAuthorized || to == StatusExpired
	case StatusAuthorized:
		return to == StatusProcessed || to == StatusExpired
	default:
		return false
	}
}
