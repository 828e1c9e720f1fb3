package updater

import (
	"github.com/fanyifanyi/fanyifanyi/internal/logger"
)

// StartupResult tells the UI whether this launch is the first one after an update.
type StartupResult struct {
	PreviousVersion string `json:"previous_version"`
	CurrentVersion  string `json:"current_version"`
	WasUpdated      bool   `json:"was_updated"`
}

// Reconcile inspects the in-progress markers left by the last update attempt.
// A marker matching the running version means the update landed; the markers
// stay set until AcknowledgeUpdate. A mismatching marker means the update never
// took effect and both markers are cleared right away.
func Reconcile(store Store, currentVersion string) StartupResult {
	target := store.UpdateInProgress()
	previous := store.PreviousVersion()

	if target == "" {
		return StartupResult{
			PreviousVersion: currentVersion,
			CurrentVersion:  currentVersion,
		}
	}

	if target == currentVersion {
		if previous == "" {
			previous = "unknown"
		}
		logger.Success("Update to v%s applied (was v%s)", currentVersion, previous)
		return StartupResult{
			PreviousVersion: previous,
			CurrentVersion:  currentVersion,
			WasUpdated:      true,
		}
	}

	logger.Warn("Update may have failed: expected v%s but running v%s", target, currentVersion)
	store.ClearUpdateInProgress()
	return StartupResult{
		PreviousVersion: currentVersion,
		CurrentVersion:  currentVersion,
	}
}

// AcknowledgeUpdate clears the markers once the success notice has been shown.
func AcknowledgeUpdate(store Store) {
	store.ClearUpdateInProgress()
}
