package model

import (
	"time"

	"github.com/google/uuid"
)

// Status of a model run. A job starts as running and ends in exactly one
// of the terminal states.
type Status string

const (
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled:
		return true
	}
	return false
}

// JobRecord describes one invocation of an invest model. Jobs are keyed
// by the workspace directory: two runs into the same workspace are the
// same job as far as the recent-jobs store is concerned.
type JobRecord struct {
	NavID        string         `json:"navID"`
	ModelName    string         `json:"modelName"`
	HumanName    string         `json:"humanName,omitempty"`
	WorkspaceDir string         `json:"workspaceDirectory"`
	Args         map[string]any `json:"arguments,omitempty"`
	Status       Status         `json:"status"`
	LogfilePath  string         `json:"logfilePath,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// NewJobRecord returns a running job with a fresh navID. The arguments map
// is stored as given, it is never interpreted by the workbench.
func NewJobRecord(modelName, humanName, workspaceDir string, args map[string]any) JobRecord {
	now := time.Now().UTC()
	return JobRecord{
		NavID:        uuid.NewString(),
		ModelName:    modelName,
		HumanName:    humanName,
		WorkspaceDir: workspaceDir,
		Args:         args,
		Status:       StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Finish marks the job with a terminal status and bumps UpdatedAt.
func (j *JobRecord) Finish(status Status) {
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
}
