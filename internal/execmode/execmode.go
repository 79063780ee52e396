// Package execmode decides whether a generated program can run with captured
// output or needs the user's terminal.
package execmode

import "strings"

// Mode is how a program's stdio is wired.
type Mode int

const (
	// Captured runs with stdout/stderr buffered and stdin closed.
	Captured Mode = iota
	// Interactive inherits the terminal and has no timeout.
	Interactive
)

func (m Mode) String() string {
	if m == Interactive {
		return "interactive"
	}
	return "captured"
}

// ParseMode is the inverse of String. Unknown values are Captured.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "interactive") {
		return Interactive
	}
	return Captured
}

// markers indicate the program reads from the terminal, opens a window or
// draws to the screen. The order is the reporting order.
var markers = []string{
	"pygame",
	"input(",
	"turtle",
	"tkinter",
	"curses",
	"getpass",
	"cv2.imshow",
	"plt.show",
	"matplotlib",
}

// Markers returns a copy of the interactive markers.
func Markers() []string {
	out := make([]string, len(markers))
	copy(out, markers)
	return out
}

// Classify returns Interactive iff code contains any interactive marker.
// Matching is a plain substring scan, so comments and string literals count.
func Classify(code string) Mode {
	m, _ := ClassifyWithReason(code)
	return m
}

// ClassifyWithReason also returns the first marker that matched, or "" for
// Captured.
func ClassifyWithReason(code string) (Mode, string) {
	for _, marker := range markers {
		if strings.Contains(code, marker) {
			return Interactive, marker
		}
	}
	return Captured, ""
}
