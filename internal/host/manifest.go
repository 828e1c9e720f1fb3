package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fanyifanyi/fanyifanyi/internal/updater"
)

// maxManifestSize caps how much of a manifest response is read.
const maxManifestSize = 1 << 20

// Manifest is the release document published next to the release assets.
type Manifest struct {
	Version   string                     `json:"version"`
	Notes     string                     `json:"notes"`
	PubDate   string                     `json:"pub_date"`
	Platforms map[string]PlatformRelease `json:"platforms"`
}

// PlatformRelease locates one platform's package and its detached minisign
// signature (raw or base64-encoded).
type PlatformRelease struct {
	Signature string `json:"signature"`
	URL       string `json:"url"`
}

// release is a newer version resolved for this platform.
type release struct {
	info      updater.UpdateInfo
	url       string
	signature string
}

func (h *Host) fetchManifest(ctx context.Context) (*Manifest, error) {
	if h.cfg.ManifestURL == "" {
		return nil, fmt.Errorf("fetch manifest: no update endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.ManifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent())

	resp, err := h.manifestClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: server returned %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestSize)).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// resolve turns a manifest into a release for this platform, or nil when the
// manifest does not offer anything newer than the running version.
func (h *Host) resolve(m *Manifest) (*release, error) {
	if !updater.IsValidVersion(m.Version) {
		return nil, fmt.Errorf("invalid manifest: version %q is not a semantic version", m.Version)
	}
	if !updater.IsNewerVersion(m.Version, h.cfg.CurrentVersion) {
		return nil, nil
	}

	p, ok := m.Platforms[h.platform]
	if !ok {
		return nil, fmt.Errorf("invalid manifest: no package for platform %s", h.platform)
	}
	if p.URL == "" || p.Signature == "" {
		return nil, fmt.Errorf("invalid manifest: platform %s is missing url or signature", h.platform)
	}

	version := updater.FormatVersion(m.Version, updater.FormatOptions{IncludeBuild: true})
	return &release{
		info:      updater.NewUpdateInfo(version, m.PubDate, m.Notes),
		url:       p.URL,
		signature: p.Signature,
	}, nil
}

// CheckRemoteManifest fetches the manifest and returns the newer release, or
// nil when the running version is current.
func (h *Host) CheckRemoteManifest(ctx context.Context) (*updater.UpdateInfo, error) {
	m, err := h.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	rel, err := h.resolve(m)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.pending = rel
	h.mu.Unlock()

	if rel == nil {
		return nil, nil
	}
	info := rel.info
	return &info, nil
}

// releaseFor returns the resolved release for version, re-reading the
// manifest when the last check did not produce it.
func (h *Host) releaseFor(ctx context.Context, version string) (*release, error) {
	h.mu.Lock()
	rel := h.pending
	h.mu.Unlock()
	if rel != nil && rel.info.Version == version {
		return rel, nil
	}

	if _, err := h.CheckRemoteManifest(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	rel = h.pending
	h.mu.Unlock()
	if rel == nil || rel.info.Version != version {
		return nil, fmt.Errorf("download update: version %s is no longer offered", version)
	}
	return rel, nil
}
