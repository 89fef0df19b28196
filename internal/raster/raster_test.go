package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHex(t *testing.T) {
	c, err := ParseHex("ab12cd")
	require.NoError(t, err)
	assert.Equal(t, Color{R: 0xab, G: 0x12, B: 0xcd, A: 255}, c)

	_, err = ParseHex("abc")
	assert.Error(t, err)
	_, err = ParseHex("zzzzzz")
	assert.Error(t, err)
}

func TestFormatName(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"image/png", "png", false},
		{"image/png8", "png", false},
		{"IMAGE/JPEG", "jpeg", false},
		{"image/jpg", "jpeg", false},
		{"jpeg", "jpeg", false},
		{"image/webp", "webp", false},
		{"image/png; mode=8bit", "png", false},
		{"image/gif", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := FormatName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType("png"))
	assert.Equal(t, "image/jpeg", ContentType("jpeg"))
	assert.Equal(t, "image/webp", ContentType("webp"))
}

func TestETag(t *testing.T) {
	a := ETag([]byte("tile"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, ETag([]byte("tile")))
	assert.NotEqual(t, a, ETag([]byte("other")))
}
