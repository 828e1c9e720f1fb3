package handlers

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"
)

var startTime = time.Now()

// AppVersion is set from main at startup via ldflags.
var AppVersion = "dev"

type SystemHandler struct {
	dbPath         string
	platform       string
	updatesEnabled bool
	manifestURL    string
	port           int
}

func NewSystemHandler(dbPath, platform string, updatesEnabled bool, manifestURL string, port int) *SystemHandler {
	return &SystemHandler{
		dbPath:         dbPath,
		platform:       platform,
		updatesEnabled: updatesEnabled,
		manifestURL:    manifestURL,
		port:           port,
	}
}

func (h *SystemHandler) Info(w http.ResponseWriter, r *http.Request) {
	dbSize := "unknown"
	if info, err := os.Stat(h.dbPath); err == nil {
		dbSize = formatBytes(info.Size())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":         AppVersion,
		"go_version":      runtime.Version(),
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"platform":        h.platform,
		"uptime":          formatDuration(time.Since(startTime)),
		"db_size":         dbSize,
		"updates_enabled": h.updatesEnabled,
		"manifest_url":    h.manifestURL,
		"port":            h.port,
	})
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
