package order

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusShipped: true,
	},
	StatusShipped:   {},
	StatusCancelled: {},
}

// CanTransition reports whether an order may move from one status to another.
// Staying in the same status is not a transition.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// holdsStock reports whether units of an order in status s are still in the warehouse
// on behalf of the order.
func holdsStock(s Status) bool {
	return s == StatusPending || s == StatusConfirmed
}
