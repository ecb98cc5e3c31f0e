package client

import (
	"fmt"
	"net/http"
	"time"
)

// BackupRequest starts a backup. A nil Keep uses the server default; a nil
// ExtraEnv value removes that variable from the script environment.
type BackupRequest struct {
	DryRun   bool               `json:"dryRun,omitempty"`
	Keep     *int               `json:"keep,omitempty"`
	ExtraEnv map[string]*string `json:"extraEnv,omitempty"`
}

// RestoreRequest restores a named backup.
type RestoreRequest struct {
	BackupName string `json:"backupName"`
	DBOnly     bool   `json:"dbOnly,omitempty"`
	FilesOnly  bool   `json:"filesOnly,omitempty"`
	DryRun     bool   `json:"dryRun,omitempty"`
}

// Backup is one artifact as listed by the server.
type Backup struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	SizeFormatted string    `json:"sizeFormatted"`
	Date          time.Time `json:"date"`
	Type          string    `json:"type"`
}

// Sample is the latest resource sample of a job's process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Job is a running backup or restore.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	Subscribers int       `json:"subscribers"`
	Sample      *Sample   `json:"sample,omitempty"`
}

// Health is the server liveness response.
type Health struct {
	OK   bool   `json:"ok"`
	Mode string `json:"mode"`
}

// Event types of a job stream.
const (
	EventData = "data"
	EventErr  = "err"
	EventEnd  = "end"
)

// Event is one line of job output or the terminal event. For EventEnd,
// Data is the exit code or an explanation such as "No such job".
type Event struct {
	Type string
	Data string
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

type jobResp struct {
	OK    bool   `json:"ok"`
	JobID string `json:"jobId"`
}

type backupsResp struct {
	Backups []Backup `json:"backups"`
}

type jobsResp struct {
	Jobs []Job `json:"jobs"`
}

type deleteReq struct {
	BackupName string `json:"backupName"`
}
