package entities

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/maintsync/models"
)

// Wire types of the /sync API, shared by the server and the client.

type PushEntry struct {
	Table       string               `json:"table" binding:"required"`
	Operation   models.SyncOperation `json:"operation" binding:"required"`
	Payload     json.RawMessage      `json:"payload"`
	ClientId    string               `json:"clientId" binding:"required"`
	BaseVersion int                  `json:"baseVersion"`
	Force       bool                 `json:"force,omitempty"`
}

type PushRequest struct {
	Entries []PushEntry `json:"entries" binding:"required,dive"`
}

type PushStatus string

const (
	PushStatusOK       PushStatus = "ok"
	PushStatusConflict PushStatus = "conflict"
	PushStatusError    PushStatus = "error"
)

// Machine-readable PushResult.Code values.
const (
	CodeValidation      = "validation_failed"
	CodeUnknownEntity   = "unknown_entity"
	CodeParentMissing   = "parent_missing"
	CodeNotFound        = "not_found"
	CodeVersionMismatch = "version_mismatch"
	CodeAlreadyExists   = "already_exists"
	CodeInProgress      = "in_progress"
	CodeInternal        = "internal"
)

type PushResult struct {
	ClientId       string     `json:"clientId"`
	Status         PushStatus `json:"status"`
	ServerSnapshot *Snapshot  `json:"serverSnapshot,omitempty"`
	Message        string     `json:"message,omitempty"`
	Code           string     `json:"code,omitempty"`
	Retryable      bool       `json:"retryable,omitempty"`
}

type PushResponse struct {
	Results []PushResult `json:"results"`
}

type PullResponse struct {
	Entity          string     `json:"entity"`
	Records         []Snapshot `json:"records"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
	NextCursor      string     `json:"nextCursor,omitempty"`
}

type StatusResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"serverTime"`
	Entities   []string  `json:"entities"`
}
