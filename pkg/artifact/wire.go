package artifact

import (
	"encoding/json"
	"time"
)

// CreateRequest is the body of a create call.
type CreateRequest struct {
	Title string          `json:"title"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *Meta           `json:"meta,omitempty"`
}

// UpdateRequest is the body of an update call.
type UpdateRequest struct {
	ID              string         `json:"id"`
	Title           *string        `json:"title,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Meta            *Meta          `json:"meta,omitempty"`
	ExpectedVersion int64          `json:"expectedVersion"`
}

// ActionRequest asks the authority to run a named action on one artifact.
type ActionRequest struct {
	Domain string `json:"domain"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// ActionResponse carries the opaque result of an action.
type ActionResponse struct {
	Result json.RawMessage `json:"result"`
}

// Event operations published by the authority.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpRemoved = "removed"
)

// Subjects the authority publishes on.
const (
	ChangeSubjects = "lens.artifacts.>"
	ActionSubject  = "lens.actions.invoked"
)

// ChangeSubject returns the subject for a change event operation.
func ChangeSubject(op string) string {
	return "lens.artifacts." + op
}

// ChangeEvent describes one accepted mutation.
type ChangeEvent struct {
	Op      string         `json:"op"`
	Domain  string         `json:"domain"`
	Type    string         `json:"artifactType"`
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Before  map[string]any `json:"before,omitempty"`
	After   map[string]any `json:"after,omitempty"`
	At      time.Time      `json:"at"`
}

// ActionEvent describes one action invocation.
type ActionEvent struct {
	Domain string    `json:"domain"`
	ID     string    `json:"id"`
	Action string    `json:"action"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
