package watch

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-brood/pkg/command"
)

// Patterns is an ordered set of gitignore-style rules. Later rules override
// earlier ones, and a leading '!' negates. Build it once, then only match.
type Patterns struct {
	rules []rule
}

type rule struct {
	original string
	segments []string
	negation bool
	dirOnly  bool
	anchored bool // contains a '/' other than a trailing one
}

func NewPatterns(lines ...string) *Patterns {
	p := &Patterns{}
	for _, line := range lines {
		p.Add(line)
	}
	return p
}

// Add parses one gitignore line. Blank lines and comments are skipped.
func (p *Patterns) Add(line string) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	r := rule{original: line}
	if strings.HasPrefix(line, "!") {
		r.negation = true
		line = line[1:]
	}
	if strings.HasPrefix(line, `\`) {
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.Contains(line, "/") {
		r.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" {
		return
	}

	r.segments = strings.Split(line, "/")
	p.rules = append(p.rules, r)
}

// AddFile loads patterns from a .gitignore file.
func (p *Patterns) AddFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		p.Add(scanner.Text())
	}
	return scanner.Err()
}

func (p *Patterns) Len() int {
	return len(p.rules)
}

// Match reports whether rel (slash separated, relative to the ignore root) is
// ignored. Anything below an ignored directory is ignored too.
func (p *Patterns) Match(rel string, isDir bool) bool {
	rel = strings.Trim(path.Clean(filepath.ToSlash(rel)), "/")
	if rel == "" || rel == "." || strings.HasPrefix(rel, "../") {
		return false
	}

	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if p.matchOne(parts[:i], true) {
			return true
		}
	}
	return p.matchOne(parts, isDir)
}

func (p *Patterns) matchOne(parts []string, isDir bool) bool {
	ignored := false
	for _, r := range p.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(parts) {
			ignored = !r.negation
		}
	}
	return ignored
}

func (r rule) matches(parts []string) bool {
	if !r.anchored {
		ok, _ := path.Match(r.segments[0], parts[len(parts)-1])
		return ok
	}
	return matchSegments(r.segments, parts)
}

// matchSegments matches glob segments against path segments; "**" spans any
// number of segments, including none.
func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(parts); i++ {
				if matchSegments(rest, parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], parts[0]); !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}

// FindRepositoryRoot walks up from start looking for a .git directory.
func FindRepositoryRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// NewIgnoreMatcher builds a predicate from patterns rooted at root.
func NewIgnoreMatcher(root string, patterns []string) (command.PathMatcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return newMatcher(absRoot, NewPatterns(patterns...)), nil
}

// NewGitIgnoreMatcher roots the predicate at the repository containing start
// and loads its .gitignore. Without a repository, start itself is the root.
// The .git directory is always ignored.
func NewGitIgnoreMatcher(start string, extra []string) (command.PathMatcher, error) {
	root, ok := FindRepositoryRoot(start)
	if !ok {
		abs, err := filepath.Abs(start)
		if err != nil {
			return nil, err
		}
		root = abs
	}

	patterns := NewPatterns(".git/")
	if err := patterns.AddFile(filepath.Join(root, ".gitignore")); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, line := range extra {
		patterns.Add(line)
	}
	return newMatcher(root, patterns), nil
}

func newMatcher(root string, patterns *Patterns) command.PathMatcher {
	return func(changed string) bool {
		abs, err := filepath.Abs(changed)
		if err != nil {
			return false
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return false
		}
		info, err := os.Stat(abs)
		isDir := err == nil && info.IsDir()
		return patterns.Match(rel, isDir)
	}
}
