package host

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"aead.dev/minisign"

	"github.com/fanyifanyi/fanyifanyi/internal/logger"
)

type Config struct {
	ManifestURL    string
	PublicKey      string
	CurrentVersion string
	// TargetPath is the file replaced by an update. Empty means the running executable.
	TargetPath string
	// Args are passed to the relaunched process. Nil means os.Args[1:].
	Args []string
}

// Host performs the network, verification, install and relaunch work for
// the update controller.
type Host struct {
	cfg            Config
	platform       string
	publicKey      *minisign.PublicKey
	manifestClient *http.Client
	downloadClient *http.Client
	maxPackageSize int64

	// BeforeRelaunch runs right before the new process starts, typically to
	// release the listening socket.
	BeforeRelaunch func(ctx context.Context) error

	start func(path string, args []string) error
	exit  func(code int)

	mu      sync.Mutex
	pending *release
}

func New(cfg Config) (*Host, error) {
	h := &Host{
		cfg:            cfg,
		platform:       PlatformKey(),
		manifestClient: &http.Client{Timeout: 15 * time.Second},
		downloadClient: &http.Client{Timeout: 30 * time.Minute},
		maxPackageSize: defaultMaxPackageSize,
		start:          startProcess,
		exit:           os.Exit,
	}
	if cfg.PublicKey != "" {
		pk, err := ParsePublicKey(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("update public key: %w", err)
		}
		h.publicKey = pk
	}
	if h.cfg.Args == nil && len(os.Args) > 1 {
		h.cfg.Args = os.Args[1:]
	}
	return h, nil
}

func (h *Host) CurrentVersion() string {
	return h.cfg.CurrentVersion
}

// Platform is the manifest key this host downloads packages for.
func (h *Host) Platform() string {
	return h.platform
}

func (h *Host) targetPath() (string, error) {
	if h.cfg.TargetPath != "" {
		return h.cfg.TargetPath, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate current binary: %w", err)
	}
	return exe, nil
}

func (h *Host) userAgent() string {
	return "fanyifanyi-updater/" + h.cfg.CurrentVersion
}

// Relaunch starts the freshly installed binary with the same arguments and
// exits the current process.
func (h *Host) Relaunch(ctx context.Context) error {
	exe, err := h.targetPath()
	if err != nil {
		return err
	}

	if h.BeforeRelaunch != nil {
		if err := h.BeforeRelaunch(ctx); err != nil {
			logger.Warn("Pre-relaunch shutdown incomplete: %v", err)
		}
	}

	if err := h.start(exe, h.cfg.Args); err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}
	logger.Bye()
	h.exit(0)
	return nil
}

func startProcess(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
