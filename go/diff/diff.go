// Package diff parses unified diffs as served by the VCS platform, in
// particular computing the set of new-side line numbers covered by the changed
// hunks. Inline review comments may only be anchored at those lines.
package diff

import (
	"regexp"
	"strconv"
	"strings"
)

// hunkHeader matches "@@ -a,b +c,d @@" with the counts optional.
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Position is a file/line pair on the new side of a diff.
type Position struct {
	Path string
	// Line is 1-based in the post-change version of the file.
	Line int
}

// PositionSet is the set of valid inline-comment positions for a diff.
type PositionSet map[Position]bool

// Contains returns true iff the given file/line is covered by a changed hunk.
func (s PositionSet) Contains(path string, line int) bool {
	return s[Position{Path: path, Line: line}]
}

// add inserts every new-side line covered by the given unified diff body.
func (s PositionSet) add(path, unifiedDiff string) {
	newLine := 0
	inHunk := false
	for _, line := range strings.Split(unifiedDiff, "\n") {
		if m := hunkHeader.FindStringSubmatch(line); m != nil {
			newLine, _ = strconv.Atoi(m[3])
			inHunk = true
			continue
		}
		if !inHunk || line == "" {
			continue
		}
		switch line[0] {
		case ' ', '+':
			// Context and added lines both exist on the new side.
			s[Position{Path: path, Line: newLine}] = true
			newLine++
		case '-':
			// Deleted lines exist only on the old side.
		default:
			// Hunk-internal metadata, e.g. "\ No newline at end of file".
		}
	}
}

// FileDiff is one changed file within an MR diff.
type FileDiff struct {
	OldPath     string
	NewPath     string
	UnifiedDiff string
	NewFile     bool
	DeletedFile bool
	RenamedFile bool
}

// NewSidePositions walks the hunk headers of every changed file and returns
// the set of valid new-side positions.
func NewSidePositions(changes []FileDiff) PositionSet {
	set := PositionSet{}
	for _, c := range changes {
		if c.DeletedFile {
			continue
		}
		path := c.NewPath
		if path == "" {
			path = c.OldPath
		}
		set.add(path, c.UnifiedDiff)
	}
	return set
}
