// Package merge implements the block-granularity three-way text merge used
// to reconcile note bodies.
package merge

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pmezard/go-difflib/difflib"
)

const (
	MarkerLocal  = "<<<<<<< LOCAL"
	MarkerSep    = "======="
	MarkerRemote = ">>>>>>> REMOTE"
)

// Span is a [start, end) range of line offsets into a merged text.
type Span [2]int

type Result struct {
	MergedText    string `json:"merged_text"`
	HasConflicts  bool   `json:"has_conflicts"`
	ConflictSpans []Span `json:"conflict_spans"`
}

// Merge reconciles local and remote against their common ancestor base.
// An empty base means the ancestor is unknown, in which case no partial
// merge is attempted.
func Merge(base, local, remote string) Result {
	if local == remote {
		return clean(local)
	}
	if base == "" {
		return conflictBlock(local, remote)
	}

	localChanged := Changed(base, local)
	remoteChanged := Changed(base, remote)

	switch {
	case !localChanged && !remoteChanged:
		// Line-equal but byte-different, e.g. trailing newline only.
		if local == base {
			return clean(remote)
		}
		return clean(local)
	case localChanged && !remoteChanged:
		return clean(local)
	case !localChanged && remoteChanged:
		return clean(remote)
	default:
		return conflictBlock(local, remote)
	}
}

// AutoMergeIfPossible returns the merged text when the merge is clean. A nil
// base means there is no common ancestor, so only identical texts merge.
func AutoMergeIfPossible(local, remote string, base *string) (string, bool) {
	if local == remote {
		return local, true
	}
	if base == nil || *base == "" {
		return "", false
	}
	res := Merge(*base, local, remote)
	if res.HasConflicts {
		return "", false
	}
	return res.MergedText, true
}

// ErrCannotAutoMerge is returned by AutoMerge when the texts need an explicit
// resolution.
var ErrCannotAutoMerge = errors.New("cannot auto-merge")

// AutoMerge is AutoMergeIfPossible reporting failure as ErrCannotAutoMerge.
func AutoMerge(local, remote string, base *string) (string, error) {
	text, ok := AutoMergeIfPossible(local, remote, base)
	if !ok {
		if base == nil || *base == "" {
			return "", errors.WithHint(ErrCannotAutoMerge, "no common ancestor is recorded; pass explicit merged text")
		}
		return "", errors.WithHint(ErrCannotAutoMerge, "both sides changed; pass explicit merged text")
	}
	return text, nil
}

// Changed reports whether text differs from base at line level.
func Changed(base, text string) bool {
	if base == text {
		return false
	}
	for _, op := range lineOps(base, text) {
		if op.Tag != 'e' {
			return true
		}
	}
	return false
}

// ChangedLines counts the lines of base touched by the edit to text.
func ChangedLines(base, text string) int {
	n := 0
	for _, op := range lineOps(base, text) {
		if op.Tag == 'e' {
			continue
		}
		span := op.I2 - op.I1
		if j := op.J2 - op.J1; j > span {
			span = j
		}
		n += span
	}
	return n
}

// DiffPreview renders a unified diff from local to remote.
func DiffPreview(local, remote string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(local),
		B:        difflib.SplitLines(remote),
		FromFile: "LOCAL",
		ToFile:   "REMOTE",
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", errors.Wrap(err, "render diff preview")
	}
	return out, nil
}

func lineOps(a, b string) []difflib.OpCode {
	return difflib.NewMatcher(splitLines(a), splitLines(b)).GetOpCodes()
}

// splitLines splits on newlines, dropping the empty element after a
// trailing newline so "A\n" and "A" compare as the same single line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func clean(text string) Result {
	return Result{MergedText: text}
}

func conflictBlock(local, remote string) Result {
	var b strings.Builder
	b.WriteString(MarkerLocal + "\n")
	b.WriteString(withNewline(local))
	b.WriteString(MarkerSep + "\n")
	b.WriteString(withNewline(remote))
	b.WriteString(MarkerRemote + "\n")

	end := 3 + len(splitLines(local)) + len(splitLines(remote))
	return Result{
		MergedText:    b.String(),
		HasConflicts:  true,
		ConflictSpans: []Span{{0, end}},
	}
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
