// Package extract pulls runnable Python source out of a model response that
// may be wrapped in markdown.
package extract

import (
	"regexp"
	"strings"
)

// Placeholder is returned when a response contains no code at all.
const Placeholder = "# No Python code was generated.\n# Please try rephrasing your request or use /refine to ask for actual code."

var (
	fencedBlockRe     = regexp.MustCompile("```\\s*(?:python)?\\s*([\\s\\S]*?)\\s*```")
	unterminatedBlock = regexp.MustCompile("```\\s*(?:python)?\\s*\\n([\\s\\S]*)$")
)

// Code returns the Python source contained in response.
//
// Fenced blocks that hold code are concatenated with blank lines between
// them. A truncated response whose last fence was never closed still yields
// its trailing block. Unfenced responses are stripped of markdown headings
// and lead-in lines. If what remains reads as prose, Placeholder is returned.
func Code(response string) string {
	var blocks []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(response, -1) {
		code := strings.TrimSpace(m[1])
		if code != "" && !IsProse(code) {
			blocks = append(blocks, code)
		}
	}
	if len(blocks) > 0 {
		return strings.Join(blocks, "\n\n")
	}

	if m := unterminatedBlock.FindStringSubmatch(response); m != nil {
		code := strings.TrimSpace(m[1])
		if code != "" && !IsProse(code) {
			return code
		}
	}

	cleaned := stripMarkdown(strings.TrimSpace(response))
	if IsProse(cleaned) {
		return Placeholder
	}
	return cleaned
}

// IsPlaceholder reports whether code is the no-code placeholder.
func IsPlaceholder(code string) bool { return code == Placeholder }

// IsProse reports whether text is markdown explanation rather than code:
// more prose lines than code lines, or no code lines at all.
func IsProse(text string) bool {
	var codeLines, textLines int
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		switch {
		case looksLikeProse(t):
			textLines++
		case looksLikeCode(t):
			codeLines++
		}
	}
	return textLines > codeLines || codeLines == 0
}

func looksLikeProse(t string) bool {
	return strings.HasPrefix(t, "##") ||
		(strings.HasPrefix(t, "#") && !strings.Contains(t, "=") && !strings.Contains(t, "import")) ||
		strings.HasPrefix(t, "Here is") ||
		strings.HasPrefix(t, "Step ") ||
		strings.HasPrefix(t, "The ") ||
		strings.Contains(t, "code for")
}

func looksLikeCode(t string) bool {
	return strings.Contains(t, "def ") ||
		strings.Contains(t, "class ") ||
		strings.Contains(t, "import ") ||
		strings.Contains(t, "=") ||
		(strings.Contains(t, "(") && strings.Contains(t, ")"))
}

// stripMarkdown drops headings and "Here is ...:" / "Step N:" lead-ins.
func stripMarkdown(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "##") ||
			(strings.HasPrefix(t, "Here is") && strings.Contains(t, ":")) ||
			(strings.HasPrefix(t, "Step ") && strings.Contains(t, ":")) {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
