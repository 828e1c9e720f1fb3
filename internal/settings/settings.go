package settings

import (
	"strconv"
	"time"

	"github.com/fanyifanyi/fanyifanyi/internal/logger"
)

const (
	KeyLastChecked      = "updater_last_checked"
	KeyDismissedVersion = "updater_dismissed_version"
	KeyAutoCheck        = "updater_auto_check"
	KeyUpdateInProgress = "updater_update_in_progress"
	KeyPreviousVersion  = "updater_previous_version"
)

// KV is the durable medium behind the store. SetMany and Delete must apply
// all keys or none.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	SetMany(values map[string]string) error
	Delete(keys ...string) error
}

// Persisted is the full settings record.
type Persisted struct {
	AutoCheck                   bool       `json:"auto_check"`
	LastCheckedAt               *time.Time `json:"last_checked_at"`
	DismissedVersion            string     `json:"dismissed_version,omitempty"`
	UpdateInProgressVersion     string     `json:"update_in_progress_version,omitempty"`
	PreviousVersionBeforeUpdate string     `json:"previous_version_before_update,omitempty"`
}

// Store is the only reader and writer of the updater keys. Every operation is
// best-effort: medium failures are logged and getters fall back to defaults.
type Store struct {
	kv             KV
	currentVersion func() string
}

func New(kv KV, currentVersion func() string) *Store {
	return &Store{kv: kv, currentVersion: currentVersion}
}

func (s *Store) get(key string) string {
	v, ok, err := s.kv.Get(key)
	if err != nil {
		logger.Error("Failed to read setting %s: %v", key, err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (s *Store) set(values map[string]string, what string) {
	if err := s.kv.SetMany(values); err != nil {
		logger.Error("Failed to save %s: %v", what, err)
	}
}

func (s *Store) del(what string, keys ...string) {
	if err := s.kv.Delete(keys...); err != nil {
		logger.Error("Failed to clear %s: %v", what, err)
	}
}

// AutoCheck defaults to true; only an explicit "false" turns it off.
func (s *Store) AutoCheck() bool {
	return s.get(KeyAutoCheck) != "false"
}

func (s *Store) SetAutoCheck(enabled bool) {
	s.set(map[string]string{KeyAutoCheck: strconv.FormatBool(enabled)}, "auto check")
}

func (s *Store) LastCheckedAt() (time.Time, bool) {
	raw := s.get(KeyLastChecked)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		logger.Warn("Ignoring malformed %s value %q", KeyLastChecked, raw)
		return time.Time{}, false
	}
	return t, true
}

func (s *Store) SetLastCheckedAt(t time.Time) {
	s.set(map[string]string{KeyLastChecked: t.UTC().Format(time.RFC3339Nano)}, "last checked time")
}

func (s *Store) DismissedVersion() string {
	return s.get(KeyDismissedVersion)
}

func (s *Store) SetDismissedVersion(version string) {
	s.set(map[string]string{KeyDismissedVersion: version}, "dismissed version")
}

func (s *Store) ClearDismissedVersion() {
	s.del("dismissed version", KeyDismissedVersion)
}

func (s *Store) UpdateInProgress() string {
	return s.get(KeyUpdateInProgress)
}

func (s *Store) PreviousVersion() string {
	return s.get(KeyPreviousVersion)
}

// MarkUpdateInProgress records the running version as "previous" and the
// target as "in progress" in a single write.
func (s *Store) MarkUpdateInProgress(targetVersion string) {
	s.set(map[string]string{
		KeyPreviousVersion:  s.currentVersion(),
		KeyUpdateInProgress: targetVersion,
	}, "update in progress marker")
}

func (s *Store) ClearUpdateInProgress() {
	s.del("update in progress marker", KeyUpdateInProgress, KeyPreviousVersion)
}

// Load returns the whole record, using defaults for anything unreadable.
func (s *Store) Load() Persisted {
	p := Persisted{
		AutoCheck:                   s.AutoCheck(),
		DismissedVersion:            s.DismissedVersion(),
		UpdateInProgressVersion:     s.UpdateInProgress(),
		PreviousVersionBeforeUpdate: s.PreviousVersion(),
	}
	if t, ok := s.LastCheckedAt(); ok {
		p.LastCheckedAt = &t
	}
	return p
}
