package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu      sync.Mutex
	noColor bool
	level   Level     = LevelInfo
	out     io.Writer = os.Stderr
)

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
	white  = "\033[37m"

	brightRed  = "\033[91m"
	brightBlue = "\033[94m"

	// Teal shades (256-color)
	teal     = "\033[38;5;37m"
	deepTeal = "\033[38;5;30m"
	softTeal = "\033[38;5;116m"
)

func init() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
}

// ParseLevel maps a config string to a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput redirects all log lines, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func enabled(l Level) bool {
	mu.Lock()
	defer mu.Unlock()
	return l >= level
}

func c(code, text string) string {
	if noColor {
		return text
	}
	return code + text + reset
}

func ts() string {
	return c(dim, time.Now().Format("15:04:05"))
}

func write(format string, args ...interface{}) {
	mu.Lock()
	fmt.Fprintf(out, format+"\n", args...)
	mu.Unlock()
}

func Banner(version string) {
	lines := "\n" +
		"  " + c(teal, `译`) + "  " + c(bold+brightBlue, "fanyifanyi") + " " + c(dim, version) + "\n" +
		"      " + c(dim, "update service") + "\n" +
		c(dim, " ─────────────────────────────────") + "\n"
	mu.Lock()
	fmt.Fprint(out, lines)
	mu.Unlock()
}

func Debug(format string, args ...interface{}) {
	if !enabled(LevelDebug) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(dim, "·"), c(dim, msg))
}

func Info(format string, args ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(cyan, "~"), msg)
}

func Success(format string, args ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(green, "✓"), msg)
}

func Warn(format string, args ...interface{}) {
	if !enabled(LevelWarn) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(yellow, "⚠"), c(yellow, msg))
}

func Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(red, "✗"), c(red, msg))
}

func Fatal(format string, args ...interface{}) {
	Error(format, args...)
	os.Exit(1)
}

func WS(event, detail string) {
	if !enabled(LevelDebug) && event != "connected" && event != "disconnected" {
		return
	}
	var icon, eventColor string
	switch event {
	case "connected":
		icon = c(teal, "⚡")
		eventColor = teal
	case "disconnected":
		icon = c(softTeal, "·")
		eventColor = softTeal
	default:
		icon = c(deepTeal, "↔")
		eventColor = deepTeal
	}
	write("%s  %s %s %s",
		ts(),
		icon,
		c(eventColor, fmt.Sprintf("%-14s", "ws:"+event)),
		c(blue, detail),
	)
}

func Listen(addr, url string) {
	write("")
	write("%s  %s  Listening on %s", ts(), c(brightBlue, "⇄"), c(bold+white, addr))
	write("              %s  %s", c(dim, "→"), c(cyan, url))
	write("")
}

func Shutdown(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	write("")
	write("%s  %s  %s", ts(), c(dim, "■"), c(dim, msg))
}

func Bye() {
	write("%s  %s  %s", ts(), c(dim, "~"), c(dim, "Stopped."))
	write("")
}

func HTTP(method, path string, status int, dur time.Duration) {
	if !enabled(LevelInfo) {
		return
	}
	statusStr := fmt.Sprintf("%d", status)
	var coloredStatus string
	switch {
	case status >= 400:
		coloredStatus = c("\033[41;97m", " "+statusStr+" ")
	default:
		coloredStatus = c(dim+teal, statusStr)
	}

	mc := teal
	switch method {
	case "POST", "PUT", "PATCH":
		mc = deepTeal
	case "DELETE":
		mc = brightRed
	}

	write("%s  %s %s %s %s",
		ts(),
		c(mc, "["+method+"]"),
		coloredStatus,
		c(dim, path),
		c(dim, fmtDuration(dur)),
	)
}

func fmtDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		ms := float64(d.Microseconds()) / 1000.0
		if ms < 10 {
			return fmt.Sprintf("%.1fms", ms)
		}
		return fmt.Sprintf("%.0fms", ms)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
