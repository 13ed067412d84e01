package marker

import (
	"fmt"
	"strings"
)

// DefaultLogLimit caps marking_log when no limit is configured.
const DefaultLogLimit = 16 * 1024

// maxValueInLog bounds how much of a feature value is quoted in a log line.
const maxValueInLog = 120

// markingLog accumulates warning lines for one protocol or patient.
type markingLog struct {
	lines []string
}

func (l *markingLog) addf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *markingLog) empty() bool { return len(l.lines) == 0 }

func (l *markingLog) String() string { return strings.Join(l.lines, "\n") }

// AppendLog appends text to an existing log and keeps at most limit bytes,
// dropping the oldest lines first.
func AppendLog(existing, text string, limit int) string {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	out := existing
	if text != "" {
		if out != "" {
			out += "\n"
		}
		out += text
	}
	if len(out) <= limit {
		return out
	}
	out = out[len(out)-limit:]
	if i := strings.IndexByte(out, '\n'); i >= 0 && i < len(out)-1 {
		return out[i+1:]
	}
	return out
}

// TruncateMiddle shortens a string by replacing the middle with "..." if it
// exceeds maxLen. Preserves roughly equal portions from start and end.
func TruncateMiddle(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	available := maxLen - 3
	firstHalf := (available + 1) / 2
	lastHalf := available / 2
	return s[:firstHalf] + "..." + s[len(s)-lastHalf:]
}

// FormatDurationShort formats milliseconds into a compact human-readable string.
//
//	<1000ms  -> "0.Xs"
//	<60000ms -> "X.Xs"
//	<3600000 -> "XmYs"
//	else     -> "XhYm"
func FormatDurationShort(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("0.%ds", ms/100)
	case ms < 60000:
		return fmt.Sprintf("%d.%ds", ms/1000, (ms%1000)/100)
	case ms < 3600000:
		return fmt.Sprintf("%dm%ds", ms/60000, (ms%60000)/1000)
	default:
		return fmt.Sprintf("%dh%dm", ms/3600000, (ms%3600000)/60000)
	}
}
