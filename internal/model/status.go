package model

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	// StatusCancelled is part of the schema but no callback result is mapped to it yet.
	StatusCancelled Status = "cancelled"
)

// allowedTransitions lists the valid targets per current status.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusSuccessful, StatusFailed, StatusCancelled},
	StatusSuccessful: {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}
