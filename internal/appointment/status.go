package appointment

import "strings"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := transitions[st]
	return st, ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether to is a legal direct successor of from.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PathTo returns the shortest chain of legal steps leading from from to to,
// excluding from itself. ok is false when to is unreachable.
func PathTo(from, to Status) (path []Status, ok bool) {
	if from == to {
		return nil, true
	}
	prev := map[Status]Status{from: from}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}
