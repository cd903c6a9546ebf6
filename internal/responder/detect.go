package responder

import (
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// ansiPattern strips SGR/CSI escape sequences from terminal output.
var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// boxDrawingReplacer removes Unicode box-drawing characters that would
// otherwise defeat substring/regex matching on rendered TUI frames.
var boxDrawingReplacer = strings.NewReplacer(
	"─", "", "│", "", "┌", "", "┐", "", "└", "", "┘", "",
	"├", "", "┤", "", "┬", "", "┴", "", "┼", "", "║", "", "═", "",
	"╔", "", "╗", "", "╚", "", "╝", "", "╠", "", "╣", "",
)

// Clean strips ANSI escape codes and box-drawing characters as the first
// step of the detection pipeline.
func Clean(capture string) string {
	return boxDrawingReplacer.Replace(ansiPattern.ReplaceAllString(capture, ""))
}

// tailWindow returns the last n lines of capture.
func tailWindow(capture string, n int) string {
	lines := strings.Split(capture, "\n")
	if len(lines) <= n {
		return capture
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

const tailWindowLines = 15

var (
	legacyYesOption   = regexp.MustCompile(`(?i)^\s*1\.\s*yes`)
	legacyYesNoOption = regexp.MustCompile(`(?i)^\s*2\.\s*(yes|no)`)
	legacyCancelHints = []string{"esc to cancel", "tab to amend"}
	legacyBusyTokens  = []string{"thinking", "running", "searching", "executing", "analyzing", "processing", "loading", "fetching"}
)

// Detection is the outcome of running the pipeline against one capture.
type Detection struct {
	Matched bool
	Pattern *CompiledPattern // nil when detected via the legacy heuristic
	Risk    Risk
	SendKey string
	Legacy  bool
}

// Detect runs the detection pipeline for a single session capture against
// the tool-scoped pattern list, falling back to the legacy heuristic when
// nothing in the cache matches.
func Detect(capture string, patterns []*CompiledPattern) Detection {
	cleaned := Clean(capture)
	window := tailWindow(cleaned, tailWindowLines)

	for _, p := range patterns {
		if !p.Regexp.MatchString(window) {
			continue
		}
		if p.Action == string(ActionSkip) {
			return Detection{Matched: true, Pattern: p} // status indicator, no send_key
		}
		if p.SendKey != "" {
			return Detection{Matched: true, Pattern: p, Risk: p.Risk, SendKey: p.SendKey}
		}
	}

	return detectLegacy(window)
}

// detectLegacy implements the BOTH-option + cancel-hint + no-busy-tokens
// fallback heuristic, classifying risk by keyword scan of the window.
func detectLegacy(window string) Detection {
	lower := strings.ToLower(window)

	hasYesOption, hasYesNoOption := false, false
	for _, line := range strings.Split(window, "\n") {
		if legacyYesOption.MatchString(line) {
			hasYesOption = true
		}
		if legacyYesNoOption.MatchString(line) {
			hasYesNoOption = true
		}
	}
	if !hasYesOption || !hasYesNoOption {
		return Detection{}
	}

	hasCancelHint := false
	for _, hint := range legacyCancelHints {
		if strings.Contains(lower, hint) {
			hasCancelHint = true
			break
		}
	}
	if !hasCancelHint {
		return Detection{}
	}

	for _, token := range legacyBusyTokens {
		if strings.Contains(lower, token) {
			return Detection{}
		}
	}

	return Detection{Matched: true, Legacy: true, Risk: classifyKeyword(lower), SendKey: "1"}
}

// classifyKeyword scores an operation's risk with a simple substring
// keyword scan.
func classifyKeyword(lower string) Risk {
	lowRiskWords := []string{"read", "grep", "glob", "list", "search"}
	for _, w := range lowRiskWords {
		if strings.Contains(lower, w) {
			return RiskLow
		}
	}

	mediumRiskWords := []string{"edit", "patch", "accept"}
	for _, w := range mediumRiskWords {
		if strings.Contains(lower, w) {
			return RiskMedium
		}
	}

	highRiskWords := []string{"write", "bash", "execute", "delete"}
	for _, w := range highRiskWords {
		if strings.Contains(lower, w) {
			return RiskHigh
		}
	}

	return RiskMedium
}

// riskWindows maps each risk tier to its [min,max] delay window.
var riskWindows = map[Risk][2]time.Duration{
	RiskLow:    {50 * time.Millisecond, 200 * time.Millisecond},
	RiskMedium: {300 * time.Millisecond, 600 * time.Millisecond},
	RiskHigh:   {800 * time.Millisecond, 1200 * time.Millisecond},
}

// RandomDelay returns a uniformly random duration within risk's window.
func RandomDelay(risk Risk) time.Duration {
	window, ok := riskWindows[risk]
	if !ok {
		window = riskWindows[RiskMedium]
	}
	min, max := window[0], window[1]
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
