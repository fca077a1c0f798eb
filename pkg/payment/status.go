package payment

// Status of a payment as tracked by the client.
type Status string

const (
	StatusCreated           Status = "created"
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusExpired           Status = "expired"
	StatusRefunding         Status = "refunding"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// transitions lists the direct forward edges. partially_refunded may loop
// back through refunding for a further partial refund.
var transitions = map[Status][]Status{
	StatusCreated:           {StatusPending},
	StatusPending:           {StatusPaid, StatusFailed, StatusExpired},
	StatusPaid:              {StatusRefunding},
	StatusRefunding:         {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunding},
}

// ParseStatus maps a processor status string to a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	if !st.Valid() {
		return "", false
	}
	return st, true
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusPaid, StatusFailed, StatusExpired,
		StatusRefunding, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Refundable reports whether a refund may start from s.
func (s Status) Refundable() bool {
	return s == StatusPaid || s == StatusPartiallyRefunded
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether to can follow from directly.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to lies ahead of from on some forward path.
// Events naming a status that is not reachable are stale or out of order.
func Reachable(from, to Status) bool {
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
