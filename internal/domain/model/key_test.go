package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{name: "empty", secret: "", want: "****"},
		{name: "eight chars", secret: "abcdefgh", want: "****"},
		{name: "nine chars", secret: "abcdefghi", want: "abcd...fghi"},
		{name: "openrouter key", secret: "sk-or-v1-0123456789abcdef", want: "sk-o...cdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSecret(tt.secret))
		})
	}
}
