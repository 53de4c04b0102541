package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job represents a unit of work within a workflow
type Job struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	WorkflowID           uuid.UUID `db:"workflow_id" json:"workflowId"`
	Status               Status    `db:"status" json:"status"`
	Dependencies         IDSet     `db:"dependencies" json:"dependencies"`
	OriginalDependencies IDSet     `db:"original_dependencies" json:"originalDependencies"`
	Runtime              string    `db:"runtime" json:"runtime,omitempty"`
	Type                 string    `db:"type" json:"type,omitempty"`
	Provider             string    `db:"provider" json:"provider,omitempty"`
	Scenario             string    `db:"scenario" json:"scenario,omitempty"`
	Language             string    `db:"language" json:"language,omitempty"`
	Request              JSON      `db:"request" json:"request"`
	Input                JSON      `db:"input" json:"input"`
	Result               JSON      `db:"result" json:"result"`
	Scripts              JSON      `db:"scripts" json:"scripts"`
	Metadata             JSON      `db:"metadata" json:"metadata"`
	Created              time.Time `db:"created" json:"created"`
	Updated              time.Time `db:"updated" json:"updated"`
	ConcurrencyToken     string    `db:"concurrency_token" json:"-"`
}

// Scripts references the transform scripts of a job
type Scripts struct {
	Input  string `json:"Input,omitempty"`
	Output string `json:"Output,omitempty"`
}

// NewJob creates a job for a workflow. It starts Waiting when it has
// dependencies and Queued otherwise.
func NewJob(id, workflowID uuid.UUID, deps []uuid.UUID, info JobInfo, data, metadata JSON, scripts Scripts) *Job {
	status := StatusQueued
	if len(deps) > 0 {
		status = StatusWaiting
	}

	now := time.Now().UTC()
	job := &Job{
		ID:                   id,
		WorkflowID:           workflowID,
		Status:               status,
		Dependencies:         NewIDSet(deps...),
		OriginalDependencies: NewIDSet(deps...),
		Runtime:              info.Runtime,
		Type:                 info.Type,
		Provider:             info.Provider,
		Scenario:             info.Scenario,
		Language:             info.Language,
		Request:              data,
		Input:                data,
		Scripts:              MustJSON(scripts),
		Metadata:             metadata,
		Created:              now,
		Updated:              now,
	}
	job.ConcurrencyToken = job.ComputeToken()
	return job
}

// JobInfo returns the routing classification of the job
func (j *Job) JobInfo() JobInfo {
	return JobInfo{
		Runtime:  j.Runtime,
		Type:     j.Type,
		Provider: j.Provider,
		Scenario: j.Scenario,
		Language: j.Language,
	}
}

// ScriptSet decodes the job's transform scripts. Missing scripts are blank.
func (j *Job) ScriptSet() Scripts {
	var s Scripts
	if j.Scripts.IsNull() {
		return s
	}
	_ = unmarshalLenient(j.Scripts, &s)
	return s
}

// SetError moves the job to Error and records the error payload as its result
func (j *Job) SetError(errorType, message string) {
	j.SetErrorResult(MustJSON(ErrorPayload{Message: message, Type: errorType}))
}

// SetErrorResult moves the job to Error with a payload reported by a worker
func (j *Job) SetErrorResult(payload JSON) {
	j.Status = StatusError
	j.Dependencies = IDSet{}
	j.Result = payload
}

// ComputeToken hashes the fields the orchestrator mutates. Two loads of the
// same row produce the same token.
func (j *Job) ComputeToken() string {
	h := sha256.New()
	h.Write([]byte(j.Status))
	h.Write([]byte{0})
	for _, id := range j.Dependencies.Sorted() {
		h.Write(id[:])
	}
	h.Write([]byte{0})
	h.Write(j.Input.Compact())
	return hex.EncodeToString(h.Sum(nil))
}

// CheckInvariants reports a dependency set that contradicts the status
func (j *Job) CheckInvariants() error {
	switch {
	case j.Status == StatusWaiting && len(j.Dependencies) == 0:
		return fmt.Errorf("job %s is Waiting without dependencies", j.ID)
	case j.Status != StatusWaiting && len(j.Dependencies) > 0:
		return fmt.Errorf("job %s is %s with %d dependencies", j.ID, j.Status, len(j.Dependencies))
	}
	return nil
}

func (j *Job) String() string {
	return fmt.Sprintf("[%s] %s.%s (wf: %s)", j.ID, orAny(j.Type), orAny(j.Provider), j.WorkflowID)
}
