package worktree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Add README", "add-readme"},
		{"Fix bug!!! in parser", "fix-bug-in-parser"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"UPPER_CASE_title", "upper-case-title"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Slug(c.title), "title=%q", c.title)
	}
}

func TestSlugTruncatesTo40Chars(t *testing.T) {
	longTitle := strings.Repeat("a very long task title that keeps going ", 3)
	got := Slug(longTitle)
	assert.LessOrEqual(t, len(got), 40)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "task-42-add-readme", BranchName(42, "Add README"))
}
