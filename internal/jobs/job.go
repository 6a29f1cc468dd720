// Package jobs is the durable job queue and the orchestration rules that
// turn a synchronization request into queued work.
//
// Three job kinds exist. A transfer runs the batch transfer engine once. A
// scheduled transfer carries a cron pattern and is re-queued after every run
// until it observes that its contract has expired, at which point it removes
// itself. A connector teardown runs once, delayed until the contract end, and
// removes the streaming resources of an asset.
//
// Scheduled and teardown jobs use ids derived from the asset id, so the queue
// holds at most one of each per asset.
package jobs

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/marketsync/internal/transfer"
	"github.com/ajitpratap0/marketsync/pkg/errors"
)

// Kind names a job type.
type Kind string

const (
	KindTransfer          Kind = "transfer"
	KindScheduledTransfer Kind = "scheduled_transfer"
	KindConnectorTeardown Kind = "connector_teardown"
)

var allKinds = []Kind{KindTransfer, KindScheduledTransfer, KindConnectorTeardown}

// State is the position of a job in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the persisted queue record.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       time.Time       `json:"runAt"`
	Cron        string          `json:"cron,omitempty"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Result      *RunResult      `json:"result,omitempty"`
	// Token changes on every Add; transitions for a stale token are dropped
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunResult is what a handler reports about a successful run.
type RunResult struct {
	// Skipped means the handler intentionally did nothing
	Skipped  bool     `json:"skipped,omitempty"`
	Rows     int64    `json:"rows,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// TeardownPayload is the payload of a connector teardown job.
type TeardownPayload struct {
	AssetID          string `json:"assetId"`
	TargetClusterRef string `json:"targetClusterRef,omitempty"`
}

// ScheduleID is the job id of an asset's scheduled transfer.
func ScheduleID(assetID string) string {
	return "schedule:" + assetID
}

// TeardownID is the job id of an asset's connector teardown.
func TeardownID(assetID string) string {
	return "teardown:" + assetID
}

// NewTransferJob builds a job whose payload is req.
func NewTransferJob(kind Kind, id string, req transfer.Request) (*Job, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode transfer payload")
	}
	return &Job{ID: id, Kind: kind, Payload: payload}, nil
}

// TransferRequest decodes the payload of a transfer or scheduled transfer job.
func (j *Job) TransferRequest() (transfer.Request, error) {
	var req transfer.Request
	if err := json.Unmarshal(j.Payload, &req); err != nil {
		return req, errors.Wrap(err, errors.ErrorTypeValidation, "decode transfer payload").
			WithDetail("job_id", j.ID)
	}
	return req, nil
}

// Teardown decodes the payload of a connector teardown job.
func (j *Job) Teardown() (TeardownPayload, error) {
	var p TeardownPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, errors.Wrap(err, errors.ErrorTypeValidation, "decode teardown payload").
			WithDetail("job_id", j.ID)
	}
	return p, nil
}

// LockName names the lock a job must hold while it runs, or "" when it runs
// unserialized. Transfers of one asset hold the same lock, so a one-shot
// transfer and a scheduled run never write the asset's SyncState together.
func (j *Job) LockName() string {
	if !j.IsTransfer() {
		return ""
	}
	req, err := j.TransferRequest()
	if err != nil || req.AssetID == "" {
		return ""
	}
	return "asset:" + req.AssetID
}

// IsTransfer reports whether the job moves data.
func (j *Job) IsTransfer() bool {
	return j.Kind == KindTransfer || j.Kind == KindScheduledTransfer
}
