package gitpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOwnerRepo(t *testing.T) {
	cases := []struct {
		remote string
		want   string
	}{
		{"git@github.com:acme/widgets.git", "acme/widgets"},
		{"https://github.com/acme/widgets.git", "acme/widgets"},
		{"https://github.com/acme/widgets", "acme/widgets"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, parseOwnerRepo(c.remote), "remote=%q", c.remote)
	}
}
