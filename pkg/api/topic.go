package api

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the in-band result timestamp format, local wall clock
// with microseconds ("YYYY-MM-DD HH:MM:SS.ffffff").
const TimestampLayout = "2006-01-02 15:04:05.000000"

// FlattenArgs splits every argument on internal whitespace. A single argument
// containing spaces is forwarded as several tokens.
func FlattenArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, strings.Fields(a)...)
	}
	return out
}

// CorrelationTopic derives the per-result topic name an agent publishes to and
// a reader subscribes to. Only the first argument participates: its
// whitespace-separated tokens are joined with dashes.
//
// Distinct inputs can collide, e.g. ["a b"] and ["a-b"], or any two arg lists
// sharing their first element.
func CorrelationTopic(agent, check string, args []string) string {
	suffix := ""
	if len(args) > 0 {
		suffix = strings.Join(strings.Fields(args[0]), "-")
	}
	return fmt.Sprintf("%s-%s-%s-result", agent, check, suffix)
}

// FormatTimestamp renders t in TimestampLayout using the local zone.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// ParseTimestamp parses a result timestamp. The fractional part is optional.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// CommandName returns the final path segment of a download URL.
func CommandName(downloadURL string) (string, bool) {
	i := strings.LastIndexByte(downloadURL, '/')
	if i < 0 {
		return "", false
	}
	return downloadURL[i+1:], true
}

// ScriptURL builds the repository download URL for a script.
func ScriptURL(repoIP string, port int, script string) string {
	return fmt.Sprintf("http://%s:%d/checks/%s", repoIP, port, script)
}
