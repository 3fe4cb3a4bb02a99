package utils

import "testing"

func mustMatcher(t *testing.T, include, exclude []string) *PatternMatcher {
	t.Helper()
	m, err := NewPatternMatcher(include, exclude)
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	return m
}

func TestShouldInclude(t *testing.T) {
	matcher := mustMatcher(t, nil, nil)
	if !matcher.ShouldInclude("file.txt") {
		t.Fatal("expected include by default")
	}
	matcher = mustMatcher(t, []string{"*.jpg"}, nil)
	if matcher.ShouldInclude("file.txt") {
		t.Fatal("should not include unmatched include pattern")
	}
	if !matcher.ShouldInclude("/photos/photo.jpg") {
		t.Fatal("should include matching include pattern")
	}
	matcher = mustMatcher(t, nil, []string{"secret.*"})
	if matcher.ShouldInclude("/home/u/secret.txt") {
		t.Fatal("should exclude matching exclude pattern")
	}
	if !matcher.ShouldInclude("notes.txt") {
		t.Fatal("should include when exclude does not match")
	}
	matcher = mustMatcher(t, []string{`re:.*file\.go$`}, nil)
	if !matcher.ShouldInclude("path/to/file.go") {
		t.Fatal("should match regex include pattern")
	}
	var nilMatcher *PatternMatcher
	if !nilMatcher.ShouldInclude("x") || nilMatcher.ExcludesDir("x") {
		t.Fatal("nil matcher should accept everything")
	}
}

func TestExcludesDir(t *testing.T) {
	matcher := mustMatcher(t, []string{"*.txt"}, []string{"node_modules", "re:/\\.git$"})
	if !matcher.ExcludesDir("/src/app/node_modules") {
		t.Fatal("expected glob exclude to prune directory")
	}
	if !matcher.ExcludesDir("/src/app/.git") {
		t.Fatal("expected regex exclude to prune directory")
	}
	if matcher.ExcludesDir("/src/app/docs") {
		t.Fatal("include patterns must not prune directories")
	}
}

func TestInvalidPatterns(t *testing.T) {
	if _, err := NewPatternMatcher([]string{"re:("}, nil); err == nil {
		t.Fatal("expected regex compile error")
	}
	if _, err := NewPatternMatcher(nil, []string{"[a-"}); err == nil {
		t.Fatal("expected glob syntax error")
	}
}
