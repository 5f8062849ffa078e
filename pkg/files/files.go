// Package files holds the local file helpers shared by the bundled invokables.
package files

import (
	"bufio"
	"context"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const DefaultBufferSize = 1024 * 1024 // 1MB

type Line struct {
	Filename string
	Number   int
	Text     string
}

// FindLocalFiles expands doublestar patterns into a sorted, de-duplicated list
// of regular files. Directories and symlinks are skipped.
func FindLocalFiles(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// SplitPatterns parses a comma separated pattern list, ignoring blanks.
func SplitPatterns(s string) []string {
	var patterns []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Assign returns the files owned by one subtask: those whose position in
// files modulo parallelism equals subtaskIndex.
func Assign(files []string, parallelism, subtaskIndex int) []string {
	if parallelism <= 0 {
		return nil
	}
	var owned []string
	for i, f := range files {
		if i%parallelism == subtaskIndex {
			owned = append(owned, f)
		}
	}
	return owned
}

// ScanLines calls fn for every line of filePath. It stops at the first error
// returned by fn and when ctx is done.
func ScanLines(ctx context.Context, filePath string, fn func(Line) error) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), DefaultBufferSize)

	for i := 1; scanner.Scan(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(Line{Filename: filePath, Number: i, Text: scanner.Text()}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
