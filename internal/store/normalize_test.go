package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKeyPart(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice", "alice"},
		{"trims whitespace", "  alice  ", "alice"},
		{"colon replaced", "a:b", "a_b"},
		{"slash replaced", "/v1/users", "_v1_users"},
		{"backslash replaced", `C:\temp`, "C__temp"},
		{"tab and newline replaced", "a\tb\nc", "a_b_c"},
		{"space replaced", "major param", "major_param"},
		{"empty string", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeKeyPart(tc.in))
		})
	}
}
