package updater

import (
	"context"
	"time"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusChecking    Status = "checking"
	StatusAvailable   Status = "available"
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusError       Status = "error"
)

// Action is the last user-visible operation attempted, replayed by RetryLastAction.
type Action string

const (
	ActionNone     Action = ""
	ActionCheck    Action = "check"
	ActionDownload Action = "download"
)

// UpdateInfo describes an available release.
type UpdateInfo struct {
	Version     string `json:"version"`
	ReleaseDate string `json:"release_date"`
	Notes       string `json:"notes"`
}

// NewUpdateInfo fills the defaults used when a manifest omits fields.
func NewUpdateInfo(version, releaseDate, notes string) UpdateInfo {
	if releaseDate == "" {
		releaseDate = time.Now().UTC().Format(time.RFC3339)
	}
	return UpdateInfo{Version: version, ReleaseDate: releaseDate, Notes: notes}
}

type Progress struct {
	Downloaded uint64 `json:"downloaded"`
	Total      uint64 `json:"total"`
}

// ProgressFunc receives cumulative byte counts for the running download.
type ProgressFunc func(downloaded, total uint64)

// Snapshot is a consistent copy of controller state for the UI.
type Snapshot struct {
	Status     Status       `json:"status"`
	Info       *UpdateInfo  `json:"info,omitempty"`
	Error      *UpdateError `json:"error,omitempty"`
	Progress   Progress     `json:"progress"`
	LastAction Action       `json:"last_action,omitempty"`
	Dismissed  bool         `json:"dismissed"`
	Enabled    bool         `json:"enabled"`
}

// Host is the trusted runtime that performs the actual network, verification
// and install work.
type Host interface {
	CheckRemoteManifest(ctx context.Context) (*UpdateInfo, error)
	DownloadAndApply(ctx context.Context, info UpdateInfo, onProgress ProgressFunc) error
	Relaunch(ctx context.Context) error
	CurrentVersion() string
}

// Store is the durable settings record. Implementations never fail loudly.
type Store interface {
	AutoCheck() bool
	SetAutoCheck(enabled bool)
	LastCheckedAt() (time.Time, bool)
	SetLastCheckedAt(t time.Time)
	DismissedVersion() string
	SetDismissedVersion(version string)
	ClearDismissedVersion()
	UpdateInProgress() string
	PreviousVersion() string
	MarkUpdateInProgress(targetVersion string)
	ClearUpdateInProgress()
}

// CancelFunc stops a scheduled task. Calling it more than once is safe.
type CancelFunc = func()

type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
	Every(d time.Duration, fn func()) CancelFunc
}

const (
	EventStatus    = "update_status"
	EventProgress  = "update_progress"
	EventSucceeded = "update_succeeded"
)

type Event struct {
	Type     string         `json:"type"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Startup  *StartupResult `json:"startup,omitempty"`
}

// EventSink receives controller events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }
