package monitor

// Gateway statuses in lifecycle order. Statuses sharing a rank are
// alternatives at the same stage. Reservations start as waiting, and the
// gateway may still answer pending for them.
var statusRank = map[string]int{
	"pending":        0,
	"waiting":        0,
	"confirming":     1,
	"confirmed":      2,
	"sending":        3,
	"partially_paid": 3,
	"finished":       4,
	"failed":         4,
	"expired":        4,
	"refunded":       5,
}

func isKnownStatus(s string) bool {
	_, ok := statusRank[s]
	return ok
}

func isTerminal(s string) bool {
	switch s {
	case "finished", "failed", "expired", "refunded":
		return true
	}
	return false
}

// isFailure reports statuses that end a payment without funds.
func isFailure(s string) bool {
	return s == "failed" || s == "expired" || s == "refunded"
}

// isRegression reports whether moving from prev to next would walk the
// lifecycle backwards. Once terminal, only finished -> refunded is allowed.
func isRegression(prev, next string) bool {
	if prev == "" || prev == next {
		return false
	}
	if isTerminal(prev) {
		return !(prev == "finished" && next == "refunded")
	}
	return statusRank[next] < statusRank[prev]
}
