package domain

import "fmt"

// Status is the orchestration status of a Job
type Status string

// Job status constants
const (
	StatusError   Status = "Error"
	StatusNew     Status = "New"
	StatusWaiting Status = "Waiting"
	StatusQueued  Status = "Queued"
	StatusDone    Status = "Done"
)

// rank orders statuses so that the least advanced status of a workflow wins
// when aggregating.
var rank = map[Status]int{
	StatusError:   -1,
	StatusNew:     0,
	StatusWaiting: 1,
	StatusQueued:  2,
	StatusDone:    3,
}

// ParseStatus validates a status string read from storage or a request
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := rank[st]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no further transition is expected
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Less reports whether s is less advanced than other.
func (s Status) Less(other Status) bool {
	return rank[s] < rank[other]
}

// AggregateStatus returns the least advanced status among statuses, or Done
// when statuses is empty.
func AggregateStatus(statuses ...Status) Status {
	result := StatusDone
	for _, s := range statuses {
		if s.Less(result) {
			result = s
		}
	}
	return result
}
