package sniff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jpegHeader returns a buffer starting with the JPEG magic bytes.
func jpegHeader(size int) []byte {
	buf := make([]byte, size)
	copy(buf, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return buf
}

// TestValidateChecksOrder verifies the ordered short-circuit behavior of the
// pre-flight checks.
func TestValidateChecksOrder(t *testing.T) {
	v := NewValidator(1024)

	testCases := []struct {
		name     string
		buf      []byte
		declared string
		wantErr  error
	}{
		{
			name:     "empty buffer",
			buf:      nil,
			declared: "image/jpeg",
			wantErr:  ErrEmptyInput,
		},
		{
			name:     "too large",
			buf:      jpegHeader(2048),
			declared: "image/jpeg",
			wantErr:  ErrTooLarge,
		},
		{
			name:     "unsupported type",
			buf:      jpegHeader(16),
			declared: "application/pdf",
			wantErr:  ErrUnsupportedType,
		},
		{
			name:     "valid jpeg",
			buf:      jpegHeader(16),
			declared: "image/jpeg",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := v.Validate(tc.buf, tc.declared)
			if tc.wantErr != nil {
				require.False(t, outcome.Valid)
				assert.ErrorIs(t, outcome.Err, tc.wantErr)
				return
			}
			require.True(t, outcome.Valid)
			assert.NoError(t, outcome.Err)
			assert.Empty(t, outcome.Warnings)
		})
	}
}

// TestValidateSignatureMismatchIsWarning verifies that a header not matching
// the declared type produces a warning, not a hard failure.
func TestValidateSignatureMismatchIsWarning(t *testing.T) {
	v := NewValidator(0)

	pngBytes := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0}, 16)...)
	outcome := v.Validate(pngBytes, "image/jpeg")

	require.True(t, outcome.Valid)
	assert.NoError(t, outcome.Err)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "image/jpeg")
}

// TestValidateSkipsCheckWithoutSignature verifies that a declared type with no
// signature table entry skips the header check entirely.
func TestValidateSkipsCheckWithoutSignature(t *testing.T) {
	v := NewValidator(0)

	outcome := v.Validate(bytes.Repeat([]byte{0xAB}, 32), "image/tiff")

	require.True(t, outcome.Valid)
	assert.Empty(t, outcome.Warnings)
}

// TestValidateWebPSignature verifies the two-part RIFF/WEBP signature.
func TestValidateWebPSignature(t *testing.T) {
	v := NewValidator(0)

	webp := append([]byte("RIFF"), 0, 0, 0, 0)
	webp = append(webp, []byte("WEBP")...)
	webp = append(webp, bytes.Repeat([]byte{0}, 16)...)

	outcome := v.Validate(webp, "image/webp")
	require.True(t, outcome.Valid)
	assert.Empty(t, outcome.Warnings)

	truncated := []byte("RIFF")
	outcome = v.Validate(truncated, "image/webp")
	require.True(t, outcome.Valid)
	assert.Len(t, outcome.Warnings, 1)
}

// TestValidatorDefaultCeiling verifies the fallback upload ceiling.
func TestValidatorDefaultCeiling(t *testing.T) {
	v := NewValidator(0)
	assert.Equal(t, int64(DefaultMaxUploadBytes), v.MaxBytes())
}

// TestTypeFromExtension verifies extension to content type mapping.
func TestTypeFromExtension(t *testing.T) {
	assert.Equal(t, "image/jpeg", TypeFromExtension(".jpg"))
	assert.Equal(t, "image/jpeg", TypeFromExtension("jpeg"))
	assert.Equal(t, "image/png", TypeFromExtension(".PNG"))
	assert.Equal(t, "image/tiff", TypeFromExtension(".tif"))
	assert.Equal(t, "", TypeFromExtension(".txt"))
}
