// Package cli provides shared formatting helpers for shapewire
// command-line tools.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

// Green wraps s in ANSI green. Returns s unchanged when NO_COLOR is set.
func Green(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

// Yellow wraps s in ANSI yellow. Returns s unchanged when NO_COLOR is set.
func Yellow(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

// Red wraps s in ANSI red. Returns s unchanged when NO_COLOR is set.
func Red(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

// Bold wraps s in ANSI bold. Returns s unchanged when NO_COLOR is set.
func Bold(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

// Dim wraps s in ANSI dim. Returns s unchanged when NO_COLOR is set.
func Dim(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}

// Status colors an intent or policy status for terminal output.
// Healthy states come out green, transitional states yellow, dead
// states red, and historical states dim.
func Status(s string) string {
	switch s {
	case "applied", "satisfied", "ok", "online":
		return Green(s)
	case "pending", "compiled", "pending_delivery", "degraded":
		return Yellow(s)
	case "violated", "failed", "critical", "offline":
		return Red(s)
	case "superseded", "rolled_back":
		return Dim(s)
	default:
		return s
	}
}

// Age renders the time since t as a compact single-unit duration,
// e.g. "42s", "17m", "3h", "5d". Zero times render as "-".
func Age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// Rate renders a bits-per-second value with a human unit,
// e.g. 5000000 → "5 Mbit/s".
func Rate(bps int64) string {
	switch {
	case bps >= 1_000_000_000 && bps%1_000_000_000 == 0:
		return fmt.Sprintf("%d Gbit/s", bps/1_000_000_000)
	case bps >= 1_000_000 && bps%1_000_000 == 0:
		return fmt.Sprintf("%d Mbit/s", bps/1_000_000)
	case bps >= 1_000 && bps%1_000 == 0:
		return fmt.Sprintf("%d kbit/s", bps/1_000)
	default:
		return fmt.Sprintf("%d bit/s", bps)
	}
}

// Truncate shortens s to at most width characters, marking the cut
// with "...". Widths below 4 return the bare prefix.
func Truncate(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}

// DotPad pads name with dots to the given width.
// Example: DotPad("dataplane", 30) → "dataplane ...................."
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}
