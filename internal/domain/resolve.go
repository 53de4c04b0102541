package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ResolveDependents applies completed jobs to the Waiting jobs that depend on
// them. For each waiting job, every completed dependency still listed is
// removed and its result merged into the job's input, in ascending id order.
// A job left without dependencies becomes Queued and is returned as
// releasable. Dependencies already removed are skipped, so applying the same
// completions twice changes nothing.
func ResolveDependents(waiting []*Job, done map[uuid.UUID]*Job) (changed, releasable []*Job, err error) {
	doneIDs := make(IDSet, len(done))
	for id, job := range done {
		if job.Status == StatusDone {
			doneIDs[id] = struct{}{}
		}
	}

	for _, job := range waiting {
		if job.Status != StatusWaiting {
			continue
		}

		completed := job.Dependencies.Intersect(doneIDs)
		if len(completed) == 0 {
			continue
		}

		for _, depID := range completed {
			job.Dependencies.Remove(depID)
			merged, mergeErr := MergeJSON(job.Input, done[depID].Result)
			if mergeErr != nil {
				return nil, nil, fmt.Errorf("failed to merge result of %s into %s: %w", depID, job.ID, mergeErr)
			}
			job.Input = merged
		}
		changed = append(changed, job)

		if len(job.Dependencies) == 0 {
			job.Status = StatusQueued
			releasable = append(releasable, job)
		}
	}
	return changed, releasable, nil
}
