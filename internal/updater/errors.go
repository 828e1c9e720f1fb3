package updater

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrUpdatesDisabled = errors.New("updates are disabled in this build")
	ErrNotReady        = errors.New("no downloaded update is ready")
)

// ErrorKind categorizes a failed check, download or install.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindParse        ErrorKind = "parse"
	KindVerification ErrorKind = "verification"
	KindDownload     ErrorKind = "download"
	KindInstall      ErrorKind = "install"
	KindUnknown      ErrorKind = "unknown"
)

// Phase is the operation a raw failure came from.
type Phase string

const (
	PhaseCheck    Phase = "check"
	PhaseDownload Phase = "download"
)

// UpdateError is a classified failure. Recoverable tells the UI whether
// offering a retry makes sense.
type UpdateError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`

	cause error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *UpdateError) Unwrap() error {
	return e.cause
}

const unknownMessage = "unknown error"

var keywordGroups = []struct {
	kind        ErrorKind
	recoverable bool
	tokens      []string
}{
	{KindNetwork, true, []string{"network", "fetch", "timeout", "connection", "econnrefused", "enotfound", "etimedout"}},
	{KindParse, false, []string{"parse", "json", "invalid", "malformed"}},
	{KindVerification, false, []string{"signature", "verification", "verify", "checksum", "hash"}},
}

// Classify maps a raw failure to an UpdateError. The first matching keyword
// group wins; download and install keywords only count in the download phase.
func Classify(raw any, phase Phase) *UpdateError {
	var ue *UpdateError
	if err, ok := raw.(error); ok && errors.As(err, &ue) {
		return ue
	}

	msg, cause := rawMessage(raw)
	lower := strings.ToLower(msg)

	var netErr net.Error
	if cause != nil && errors.As(cause, &netErr) {
		return &UpdateError{Kind: KindNetwork, Message: msg, Recoverable: true, cause: cause}
	}

	for _, g := range keywordGroups {
		if containsAny(lower, g.tokens) {
			return &UpdateError{Kind: g.kind, Message: msg, Recoverable: g.recoverable, cause: cause}
		}
	}

	if phase == PhaseDownload {
		if strings.Contains(lower, "download") {
			return &UpdateError{Kind: KindDownload, Message: msg, Recoverable: true, cause: cause}
		}
		if strings.Contains(lower, "install") {
			return &UpdateError{Kind: KindInstall, Message: msg, Recoverable: false, cause: cause}
		}
	}

	return &UpdateError{Kind: KindUnknown, Message: msg, Recoverable: true, cause: cause}
}

func rawMessage(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return unknownMessage, nil
	case error:
		return v.Error(), v
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
