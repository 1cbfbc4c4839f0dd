package queue

import "strings"

// Priority orders queued requests. Lower values are dispatched first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority maps "high", "normal" and "low" to a Priority, defaulting to normal
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}
