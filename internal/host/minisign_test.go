package host

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aead.dev/minisign"
	"golang.org/x/crypto/blake2b"

	"github.com/fanyifanyi/fanyifanyi/internal/updater"
)

type testKey struct {
	id   [8]byte
	priv ed25519.PrivateKey
	pub  string
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	k := testKey{priv: priv}
	copy(k.id[:], "fanyi-01")
	raw := append([]byte("Ed"), k.id[:]...)
	raw = append(raw, pub...)
	k.pub = "untrusted comment: minisign public key\n" + base64.StdEncoding.EncodeToString(raw)
	return k
}

// sign builds a minisign signature file for msg by hand, independent of
// the verifying library.
func (k testKey) sign(msg []byte, prehash bool, trusted string) string {
	alg := []byte("Ed")
	signed := msg
	if prehash {
		alg = []byte("ED")
		sum := blake2b.Sum512(msg)
		signed = sum[:]
	}
	sig := ed25519.Sign(k.priv, signed)
	line := append(append(alg, k.id[:]...), sig...)
	global := ed25519.Sign(k.priv, append(append([]byte(nil), sig...), trusted...))

	return strings.Join([]string{
		"untrusted comment: signature from minisign secret key",
		base64.StdEncoding.EncodeToString(line),
		"trusted comment: " + trusted,
		base64.StdEncoding.EncodeToString(global),
	}, "\n") + "\n"
}

func writePackage(t *testing.T, msg []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg")
	if err := os.WriteFile(path, msg, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func verifyText(t *testing.T, pk *minisign.PublicKey, msg []byte, sigText string) error {
	t.Helper()
	raw, sig, err := parseSignature(sigText)
	if err != nil {
		return err
	}
	return verifyFile(*pk, writePackage(t, msg), raw, sig)
}

func TestVerify(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	msg := []byte("release payload")

	pk, err := ParsePublicKey(key.pub)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}

	tests := []struct {
		name    string
		sigText string
		msg     []byte
		wantErr bool
	}{
		{"pure", key.sign(msg, false, "timestamp:1"), msg, false},
		{"prehashed", key.sign(msg, true, "timestamp:1"), msg, false},
		{"base64 wrapped", base64.StdEncoding.EncodeToString([]byte(key.sign(msg, true, "file:app"))), msg, false},
		{"tampered payload", key.sign(msg, true, "timestamp:1"), []byte("release payloaD"), true},
		{"tampered legacy payload", key.sign(msg, false, "timestamp:1"), []byte("release payloaD"), true},
		{"wrong key", other.sign(msg, true, "timestamp:1"), msg, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyText(t, pk, tt.msg, tt.sigText)
			if (err != nil) != tt.wantErr {
				t.Fatalf("verify error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if got := updater.Classify(err, updater.PhaseDownload).Kind; got != updater.KindVerification {
					t.Errorf("error %v classified as %s, want verification", err, got)
				}
			}
		})
	}
}

func TestVerifyTamperedTrustedComment(t *testing.T) {
	key := newTestKey(t)
	msg := []byte("release payload")
	pk, _ := ParsePublicKey(key.pub)

	for _, prehash := range []bool{false, true} {
		text := strings.Replace(key.sign(msg, prehash, "version:1.3.0"), "version:1.3.0", "version:9.9.9", 1)
		if err := verifyText(t, pk, msg, text); err == nil {
			t.Errorf("prehash=%v: modified trusted comment accepted", prehash)
		}
	}
}

func TestVerifyLibrarySignature(t *testing.T) {
	pub, priv, err := minisign.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubText, err := pub.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := ParsePublicKey(string(pubText))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}

	msg := []byte(strings.Repeat("signed by release tooling ", 4096))
	sigText := minisign.SignWithComments(priv, msg, "file:app", "signature from release key")
	if err := verifyText(t, pk, msg, string(sigText)); err != nil {
		t.Errorf("verify: %v", err)
	}
	if err := verifyText(t, pk, msg[1:], string(sigText)); err == nil {
		t.Error("truncated payload accepted")
	}
}

func TestParsePublicKeyForms(t *testing.T) {
	key := newTestKey(t)
	bare := strings.SplitN(key.pub, "\n", 2)[1]
	wantID := binary.LittleEndian.Uint64(key.id[:])

	for _, s := range []string{key.pub, bare, base64.StdEncoding.EncodeToString([]byte(key.pub))} {
		pk, err := ParsePublicKey(s)
		if err != nil {
			t.Fatalf("ParsePublicKey(%q): %v", s, err)
		}
		if pk.ID() != wantID {
			t.Errorf("key id = %x, want %x", pk.ID(), wantID)
		}
	}

	if _, err := ParsePublicKey("not a key"); err == nil {
		t.Error("ParsePublicKey accepted garbage")
	}
}

func TestParseSignatureMalformed(t *testing.T) {
	for _, s := range []string{"", "untrusted comment: x\nAAAA\n", "hello\nworld\nfoo\nbar"} {
		_, _, err := parseSignature(s)
		if err == nil {
			t.Errorf("parseSignature(%q) succeeded", s)
			continue
		}
		if got := updater.Classify(err, updater.PhaseDownload).Kind; got != updater.KindVerification {
			t.Errorf("parseSignature(%q) error classified as %s, want verification", s, got)
		}
	}
}
