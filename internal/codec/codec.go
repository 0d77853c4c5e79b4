// Package codec provides the content encoding used for cached scribble
// parts: gzip compression wrapped in base64 so the encoded form is safe to
// store and ship as text, plus a content digest over the encoded form.
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedContent indicates the input is not a valid encoded blob.
var ErrMalformedContent = errors.New("codec: malformed encoded content")

// Encode compresses text and returns it base64-encoded. The result is
// deterministic for a given input.
func Encode(text string) string {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write([]byte(text)); err != nil {
		// bytes.Buffer never fails; keep the panic local to a programming error.
		panic(fmt.Sprintf("codec: gzip write failed: %v", err))
	}
	if err := writer.Close(); err != nil {
		panic(fmt.Sprintf("codec: gzip close failed: %v", err))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Decode is the exact inverse of Encode.
func Decode(encoded string) (string, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	defer reader.Close()
	text, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	return string(text), nil
}

// Digest returns the hex-encoded SHA-256 fingerprint of an encoded blob.
// Equal digests are treated as equal content during conflict detection.
func Digest(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:])
}
