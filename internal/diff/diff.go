// Package diff analyses unified diffs: which files they touch, which lines
// they add, and what a single file looks like once the diff is applied.
package diff

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

var (
	ErrContextMismatch = errors.New("diff context does not match file")
	ErrFileDeleted     = errors.New("file deleted by diff")
)

// Parse parses a multi-file unified diff.
func Parse(text string) ([]*godiff.FileDiff, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	files, err := godiff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	return files, nil
}

// ChangedFiles returns every path touched by the diff, on either side.
func ChangedFiles(text string) (map[string]struct{}, error) {
	files, err := Parse(text)
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{}, len(files))
	for _, fd := range files {
		for _, name := range []string{fd.OrigName, fd.NewName} {
			if path := normalize(name); path != "" {
				out[path] = struct{}{}
			}
		}
	}
	return out, nil
}

// LinesByFile maps each path on the new side of the diff to the line
// numbers the diff adds.
func LinesByFile(text string) (map[string]map[int]struct{}, error) {
	files, err := Parse(text)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[int]struct{}, len(files))
	for _, fd := range files {
		path := normalize(fd.NewName)
		if path == "" {
			continue
		}
		lines := out[path]
		if lines == nil {
			lines = map[int]struct{}{}
			out[path] = lines
		}
		for _, hunk := range fd.Hunks {
			current := int(hunk.NewStartLine)
			for _, line := range bodyLines(hunk.Body) {
				switch {
				case strings.HasPrefix(line, "+"):
					lines[current] = struct{}{}
					current++
				case strings.HasPrefix(line, " "):
					current++
				}
			}
		}
	}
	return out, nil
}

// ApplyToFile applies the hunks of text that target path to original and
// returns the resulting content. found is false when the diff does not
// touch path, in which case original is returned unchanged.
func ApplyToFile(original []byte, text, path string) (result []byte, found bool, err error) {
	files, err := Parse(text)
	if err != nil {
		return nil, false, err
	}

	for _, fd := range files {
		if normalize(fd.NewName) != path && normalize(fd.OrigName) != path {
			continue
		}
		if normalize(fd.NewName) == "" {
			return nil, true, ErrFileDeleted
		}
		if normalize(fd.OrigName) == "" {
			original = nil
		}
		out, err := applyHunks(original, fd.Hunks)
		return out, true, err
	}
	return original, false, nil
}

func applyHunks(original []byte, hunks []*godiff.Hunk) ([]byte, error) {
	src := splitLines(string(original))
	dst := make([]string, 0, len(src))
	pos := 0

	for _, hunk := range hunks {
		start := int(hunk.OrigStartLine) - 1
		if hunk.OrigLines == 0 {
			start = int(hunk.OrigStartLine)
		}
		if start < pos || start > len(src) {
			return nil, fmt.Errorf("%w: hunk at line %d", ErrContextMismatch, hunk.OrigStartLine)
		}
		dst = append(dst, src[pos:start]...)
		pos = start

		last := byte(0)
		for _, line := range bodyLines(hunk.Body) {
			if line == "" {
				continue
			}
			op, content := line[0], line[1:]
			switch op {
			case ' ', '-':
				if pos >= len(src) || strings.TrimSuffix(src[pos], "\n") != content {
					return nil, fmt.Errorf("%w: line %d", ErrContextMismatch, pos+1)
				}
				if op == ' ' {
					dst = append(dst, src[pos])
				}
				pos++
			case '+':
				dst = append(dst, content+"\n")
			case '\\':
				// "\ No newline at end of file" applies to the previous line
				if (last == '+' || last == ' ') && len(dst) > 0 {
					dst[len(dst)-1] = strings.TrimSuffix(dst[len(dst)-1], "\n")
				}
			}
			last = op
		}
	}
	dst = append(dst, src[pos:]...)

	return []byte(strings.Join(dst, "")), nil
}

func bodyLines(body []byte) []string {
	body = bytes.TrimSuffix(body, []byte("\n"))
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func normalize(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == devNull {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return name
}
