package sniff

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxUploadBytes is the absolute input ceiling, independent of any
// compression target. Inputs above it are rejected before decoding.
const DefaultMaxUploadBytes = 32 << 20

var (
	// ErrEmptyInput is returned for a zero-length buffer.
	ErrEmptyInput = errors.New("input buffer is empty")
	// ErrTooLarge is returned when the buffer exceeds the upload ceiling.
	ErrTooLarge = errors.New("input exceeds maximum upload size")
	// ErrUnsupportedType is returned for a declared type outside the accepted set.
	ErrUnsupportedType = errors.New("unsupported content type")
)

// acceptedTypes is the fixed set of declared content types the engine accepts.
var acceptedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// signature is a magic-byte pattern expected at a fixed offset.
type signature struct {
	offset int
	magic  []byte
}

// signatures maps declared types to their magic-byte patterns. A declared type
// with no entry (image/tiff has two valid byte orders) skips the header check.
var signatures = map[string][]signature{
	"image/jpeg": {{0, []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":  {{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
	"image/gif":  {{0, []byte("GIF8")}},
	"image/webp": {{0, []byte("RIFF")}, {8, []byte("WEBP")}},
	"image/bmp":  {{0, []byte("BM")}},
}

// Outcome is the result of pre-flight validation. Err is set on a hard
// failure; Warnings carry soft findings that do not block compression.
type Outcome struct {
	Valid    bool
	Err      error
	Warnings []string
}

// Validator performs cheap pre-flight checks on raw input buffers. It never
// decodes pixels and reads only a small header window.
type Validator struct {
	maxBytes int64
}

// NewValidator returns a Validator with the given upload ceiling.
// A non-positive ceiling falls back to DefaultMaxUploadBytes.
func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Validator{maxBytes: maxBytes}
}

// Validate runs the ordered pre-flight checks, short-circuiting on the first
// hard failure. A magic-byte mismatch is a warning only: some transport layers
// strip or rewrite headers, and the decoder is the final arbiter.
func (v *Validator) Validate(buf []byte, declaredType string) Outcome {
	if len(buf) == 0 {
		return Outcome{Err: ErrEmptyInput}
	}
	if int64(len(buf)) > v.maxBytes {
		return Outcome{Err: fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(buf), v.maxBytes)}
	}
	declared := strings.ToLower(strings.TrimSpace(declaredType))
	if !acceptedTypes[declared] {
		return Outcome{Err: fmt.Errorf("%w: %q", ErrUnsupportedType, declaredType)}
	}

	outcome := Outcome{Valid: true}
	sigs, ok := signatures[declared]
	if !ok {
		return outcome
	}
	for _, sig := range sigs {
		end := sig.offset + len(sig.magic)
		if len(buf) < end || !bytes.Equal(buf[sig.offset:end], sig.magic) {
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("header does not match signature for %s", declared))
			break
		}
	}
	return outcome
}

// MaxBytes returns the configured upload ceiling.
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// TypeFromExtension maps a file extension (with or without leading dot) to a
// declared content type, or "" if the extension is not recognized.
func TypeFromExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	default:
		return ""
	}
}
