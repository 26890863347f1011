package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"security@acme.io": "se***@acme.io",
		"ab@acme.io":       "ab***@acme.io",
		"@acme.io":         "***",
		"not-an-email":     "***",
		"":                 "***",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskEmail(in), in)
	}
}
