package sqlite

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealKeySize = 32
const sealNonceSize = 24

var errSealedValueCorrupt = errors.New("sealed value is corrupt")

func deriveSealKey(seed string) *[sealKeySize]byte {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = "buildorite-tracker:" + machineIdentity()
	}
	sum := sha256.Sum256([]byte(seed))
	return &sum
}

func machineIdentity() string {
	for _, p := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	hostname, _ := os.Hostname()
	return strings.TrimSpace(hostname)
}

func seal(key *[sealKeySize]byte, plain string) (string, error) {
	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key *[sealKeySize]byte, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	if len(raw) < sealNonceSize+secretbox.Overhead {
		return "", errSealedValueCorrupt
	}
	var nonce [sealNonceSize]byte
	copy(nonce[:], raw[:sealNonceSize])
	plain, ok := secretbox.Open(nil, raw[sealNonceSize:], &nonce, key)
	if !ok {
		return "", errSealedValueCorrupt
	}
	return string(plain), nil
}

func unixMilliUTC(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
