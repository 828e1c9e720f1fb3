package host

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"aead.dev/minisign"
)

const untrustedPrefix = "untrusted comment:"

var errSignatureMismatch = errors.New("signature verification failed: signature does not match")

// ParsePublicKey accepts the bare base64 line, the two-line .pub file, or
// either of those base64-encoded once more.
func ParsePublicKey(s string) (*minisign.PublicKey, error) {
	text := unwrapBase64(strings.TrimSpace(s))
	var pk minisign.PublicKey
	if err := pk.UnmarshalText([]byte(lastNonCommentLine(text))); err != nil {
		return nil, fmt.Errorf("malformed public key: %w", err)
	}
	return &pk, nil
}

// parseSignature unwraps a raw or base64-encoded signature file. The error
// text stays free of the library's wording so it classifies as verification.
func parseSignature(s string) ([]byte, minisign.Signature, error) {
	text := []byte(unwrapBase64(strings.TrimSpace(s)))
	var sig minisign.Signature
	if err := sig.UnmarshalText(text); err != nil {
		return nil, minisign.Signature{}, errors.New("signature verification failed: unreadable signature file")
	}
	return text, sig, nil
}

// verifyFile checks the package at path against sigText. Prehashed
// signatures are verified while streaming; legacy ones need the whole file.
func verifyFile(pk minisign.PublicKey, path string, sigText []byte, sig minisign.Signature) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	defer f.Close()

	if sig.Algorithm == minisign.HashEdDSA {
		r := minisign.NewReader(f)
		if _, err := io.Copy(io.Discard, r); err != nil {
			return fmt.Errorf("signature verification failed: %w", err)
		}
		if !r.Verify(pk, sigText) {
			return errSignatureMismatch
		}
		return nil
	}

	msg, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	if !minisign.Verify(pk, msg, sigText) {
		return errSignatureMismatch
	}
	return nil
}

// unwrapBase64 decodes s when it is a base64 wrapper around a minisign text
// file, and otherwise returns s unchanged.
func unwrapBase64(s string) string {
	if strings.HasPrefix(s, untrustedPrefix) {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil || !bytes.HasPrefix(decoded, []byte(untrustedPrefix)) {
		return s
	}
	return strings.TrimSpace(string(decoded))
}

func lastNonCommentLine(s string) string {
	var last string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, untrustedPrefix) {
			continue
		}
		last = line
	}
	return last
}
