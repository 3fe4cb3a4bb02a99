package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// regexPrefix marks a pattern as a regular expression matched against the
// full path. Other patterns are globs matched against the base name and the
// full path.
const regexPrefix = "re:"

type PatternMatcher struct {
	includeGlobs []string
	includeRegex []*regexp.Regexp
	excludeGlobs []string
	excludeRegex []*regexp.Regexp
}

func NewPatternMatcher(includePatterns, excludePatterns []string) (*PatternMatcher, error) {
	m := &PatternMatcher{}
	var err error
	if m.includeGlobs, m.includeRegex, err = splitPatterns(includePatterns); err != nil {
		return nil, err
	}
	if m.excludeGlobs, m.excludeRegex, err = splitPatterns(excludePatterns); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return true
	}
	if (len(m.includeGlobs) > 0 || len(m.includeRegex) > 0) && !m.matches(path, m.includeGlobs, m.includeRegex) {
		return false
	}
	if (len(m.excludeGlobs) > 0 || len(m.excludeRegex) > 0) && m.matches(path, m.excludeGlobs, m.excludeRegex) {
		return false
	}
	return true
}

// ExcludesDir reports whether a directory matches an exclude pattern, so the
// walker can skip the whole subtree. Include patterns never prune directories.
func (m *PatternMatcher) ExcludesDir(path string) bool {
	if m == nil {
		return false
	}
	return m.matches(path, m.excludeGlobs, m.excludeRegex)
}

func (m *PatternMatcher) matches(path string, globs []string, regexes []*regexp.Regexp) bool {
	base := filepath.Base(path)
	for _, pattern := range globs {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
	}
	for _, re := range regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func splitPatterns(patterns []string) ([]string, []*regexp.Regexp, error) {
	var globs []string
	var regexes []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			regexes = append(regexes, re)
			continue
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		globs = append(globs, pattern)
	}
	return globs, regexes, nil
}
