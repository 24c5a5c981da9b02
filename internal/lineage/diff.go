// Package lineage builds the parent/diff context that lets a re-investigation
// of edited content reuse an earlier investigation's findings.
package lineage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// NoChangesSentinel is returned by BuildLineDiff for identical snapshots.
const NoChangesSentinel = "No textual changes detected."

const (
	previousLabel = "previous"
	currentLabel  = "current"
)

// BuildLineDiff renders the lines that differ between previous and current as a
// single unified-diff hunk. Only the common prefix and suffix are trimmed; the
// middle region is reported as removed-then-added without further alignment.
func BuildLineDiff(previous, current string) string {
	if previous == current {
		return NoChangesSentinel
	}

	prev := strings.Split(previous, "\n")
	curr := strings.Split(current, "\n")

	prefix := 0
	for prefix < len(prev) && prefix < len(curr) && prev[prefix] == curr[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(prev)-prefix && suffix < len(curr)-prefix &&
		prev[len(prev)-1-suffix] == curr[len(curr)-1-suffix] {
		suffix++
	}

	removed := prev[prefix : len(prev)-suffix]
	added := curr[prefix : len(curr)-suffix]

	var body bytes.Buffer
	for _, line := range removed {
		body.WriteString("-" + line + "\n")
	}
	for _, line := range added {
		body.WriteString("+" + line + "\n")
	}

	fd := &diff.FileDiff{
		OrigName: previousLabel,
		NewName:  currentLabel,
		Hunks: []*diff.Hunk{{
			OrigStartLine: hunkStart(prefix, len(removed)),
			OrigLines:     int32(len(removed)),
			NewStartLine:  hunkStart(prefix, len(added)),
			NewLines:      int32(len(added)),
			Body:          body.Bytes(),
		}},
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		// PrintFileDiff only fails on writer errors, which a bytes.Buffer never returns.
		return fmt.Sprintf("--- %s\n+++ %s\n%s", previousLabel, currentLabel, body.String())
	}
	return string(out)
}

// An empty side of a unified hunk points at the line before the change.
func hunkStart(prefix, count int) int32 {
	if count == 0 {
		return int32(prefix)
	}
	return int32(prefix + 1)
}

// LineChanges is the removed/added split of a rendered line diff.
type LineChanges struct {
	Removed []string
	Added   []string
}

// ParseLineDiff reads a BuildLineDiff report back into removed and added lines.
// The sentinel parses to an empty LineChanges. The single hunk body is read
// directly, since changed lines such as "-- x" render as "--- x" and would
// otherwise be taken for a file header.
func ParseLineDiff(report string) (LineChanges, error) {
	if report == NoChangesSentinel {
		return LineChanges{}, nil
	}
	lines := strings.Split(report, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "@@ ") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return LineChanges{}, fmt.Errorf("parse line diff: no hunk header")
	}

	var changes LineChanges
	for i, line := range lines[start:] {
		switch {
		case line == "":
			// Trailing newline.
		case line[0] == '-':
			changes.Removed = append(changes.Removed, line[1:])
		case line[0] == '+':
			changes.Added = append(changes.Added, line[1:])
		default:
			return LineChanges{}, fmt.Errorf("parse line diff: line %d: unexpected %q", start+i+1, line)
		}
	}
	return changes, nil
}
