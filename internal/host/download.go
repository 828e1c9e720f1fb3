package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	goupdate "github.com/inconshreveable/go-update"

	"github.com/fanyifanyi/fanyifanyi/internal/logger"
	"github.com/fanyifanyi/fanyifanyi/internal/updater"
)

const (
	// progressStep is the minimum number of bytes between progress callbacks.
	progressStep = 64 << 10

	defaultMaxPackageSize = 512 << 20
)

// DownloadAndApply fetches the package for info, verifies its minisign
// signature and swaps it in place of the target binary.
func (h *Host) DownloadAndApply(ctx context.Context, info updater.UpdateInfo, onProgress updater.ProgressFunc) error {
	target, err := h.targetPath()
	if err != nil {
		return fmt.Errorf("install update: %w", err)
	}
	if method := DetectInstallMethod(target); method != InstallDirect {
		return fmt.Errorf("install update: this copy is managed by %s, update it there", method)
	}
	if h.publicKey == nil {
		return fmt.Errorf("signature verification unavailable: no update public key configured")
	}

	opts := goupdate.Options{TargetPath: target}
	if err := opts.CheckPermissions(); err != nil {
		return fmt.Errorf("install update: %w", err)
	}

	rel, err := h.releaseFor(ctx, info.Version)
	if err != nil {
		return err
	}
	sigText, sig, err := parseSignature(rel.signature)
	if err != nil {
		return err
	}

	path, err := h.download(ctx, rel.url, onProgress)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	if err := verifyFile(*h.publicKey, path, sigText, sig); err != nil {
		return err
	}
	logger.Debug("Signature verified (%s)", sig.TrustedComment)

	pkg, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("install update: %w", err)
	}
	defer pkg.Close()

	if err := goupdate.Apply(pkg, opts); err != nil {
		if rerr := goupdate.RollbackError(err); rerr != nil {
			logger.Error("Rollback after failed install also failed: %v", rerr)
		}
		return fmt.Errorf("install update: %w", err)
	}
	return nil
}

// download streams the package into a temp file and returns its path. The
// caller removes the file.
func (h *Host) download(ctx context.Context, url string, onProgress updater.ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("download update: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent())

	resp, err := h.downloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download update: server returned %d", resp.StatusCode)
	}
	if resp.ContentLength > h.maxPackageSize {
		return "", fmt.Errorf("download update: package is %d bytes, limit is %d", resp.ContentLength, h.maxPackageSize)
	}

	var total uint64
	if resp.ContentLength > 0 {
		total = uint64(resp.ContentLength)
	}

	tmp, err := os.CreateTemp("", "fanyifanyi-update-*")
	if err != nil {
		return "", fmt.Errorf("download update: %w", err)
	}

	pr := &progressReader{r: resp.Body, total: total, fn: onProgress}
	pr.emit()

	n, copyErr := io.Copy(tmp, io.LimitReader(pr, h.maxPackageSize+1))
	closeErr := tmp.Close()

	fail := func(format string, args ...any) (string, error) {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download update: "+format, args...)
	}
	switch {
	case copyErr != nil:
		return fail("%w", copyErr)
	case closeErr != nil:
		return fail("%w", closeErr)
	case n > h.maxPackageSize:
		return fail("package is larger than the %d byte limit", h.maxPackageSize)
	}

	if pr.read != pr.reported {
		pr.emit()
	}
	if total > 0 && pr.read != total {
		return fail("got %d of %d bytes", pr.read, total)
	}
	return tmp.Name(), nil
}

// progressReader reports cumulative byte counts at most every progressStep bytes.
type progressReader struct {
	r        io.Reader
	total    uint64
	read     uint64
	reported uint64
	fn       updater.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += uint64(n)
	if p.read-p.reported >= progressStep || (p.total > 0 && p.read == p.total && p.read != p.reported) {
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	p.reported = p.read
	if p.fn != nil {
		p.fn(p.read, p.total)
	}
}
