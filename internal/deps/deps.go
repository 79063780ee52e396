// Package deps finds the third-party packages a Python program imports and
// installs them on the host.
package deps

import (
	"regexp"
	"slices"
	"strings"
)

var (
	importRe     = regexp.MustCompile(`^import\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	fromImportRe = regexp.MustCompile(`^from\s+([a-zA-Z_][a-zA-Z0-9_]*)(?:\.[a-zA-Z0-9_.]+)?\s+import`)
)

// Plan is the result of scanning a program's imports.
type Plan struct {
	// Detected holds every top-level module imported, sorted and unique.
	Detected []string
	// NonStandard is Detected minus the Python standard library.
	NonStandard []string
}

// Empty reports whether nothing needs installing.
func (p Plan) Empty() bool { return len(p.NonStandard) == 0 }

// Packages maps NonStandard module names to pip distribution names.
func (p Plan) Packages() []string {
	out := make([]string, 0, len(p.NonStandard))
	for _, m := range p.NonStandard {
		out = append(out, PipName(m))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Scan reads the import statements of code. Only the top-level package of
// dotted imports is kept and only the first name of a comma list. Lines are
// matched after trimming, so indented imports count and comments do not.
func Scan(code string) Plan {
	var detected []string
	for _, line := range strings.Split(code, "\n") {
		t := strings.TrimSpace(line)
		if m := importRe.FindStringSubmatch(t); m != nil {
			detected = append(detected, m[1])
		}
		if m := fromImportRe.FindStringSubmatch(t); m != nil {
			detected = append(detected, m[1])
		}
	}
	slices.Sort(detected)
	detected = slices.Compact(detected)

	var nonStd []string
	for _, name := range detected {
		if !IsStdlib(name) {
			nonStd = append(nonStd, name)
		}
	}
	return Plan{Detected: detected, NonStandard: nonStd}
}

// pipNames covers modules whose import name differs from the distribution.
var pipNames = map[string]string{
	"cv2":      "opencv-python",
	"PIL":      "pillow",
	"sklearn":  "scikit-learn",
	"yaml":     "pyyaml",
	"bs4":      "beautifulsoup4",
	"dateutil": "python-dateutil",
	"dotenv":   "python-dotenv",
	"serial":   "pyserial",
	"skimage":  "scikit-image",
	"OpenGL":   "PyOpenGL",
}

// PipName returns the pip distribution name for an import name.
func PipName(module string) string {
	if n, ok := pipNames[module]; ok {
		return n
	}
	return module
}
