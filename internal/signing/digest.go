package signing

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// DigestBytes returns the base64 SHA-256 digest of b.
func DigestBytes(b []byte) string {
	h := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(h[:])
}

// DigestValues builds a digest header value over the named values. lookup
// returns every value for a name; a name's values are concatenated without a
// separator, and names contribute in the order given. Returns "" when names
// is empty.
func DigestValues(names []string, lookup func(name string) []string) string {
	if len(names) == 0 {
		return ""
	}
	h := sha256.New()
	for _, name := range names {
		for _, v := range lookup(name) {
			_, _ = h.Write([]byte(v))
		}
	}
	return strings.Join(names, ";") + ";" + base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ParseDigestValue splits a digest header value into its names and digest.
func ParseDigestValue(value string) (names []string, digest string, err error) {
	parts := strings.Split(value, ";")
	if len(parts) < 2 {
		return nil, "", errors.New("digest value needs at least one name and a digest")
	}
	names = parts[:len(parts)-1]
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			return nil, "", errors.New("digest value has an empty name")
		}
	}
	digest = parts[len(parts)-1]
	if digest == "" {
		return nil, "", errors.New("digest value has an empty digest")
	}
	return names, digest, nil
}

// CheckDigestValue recomputes declared from the live values and reports
// whether they match byte for byte.
func CheckDigestValue(declared string, lookup func(name string) []string) error {
	names, _, err := ParseDigestValue(declared)
	if err != nil {
		return err
	}
	if DigestValues(names, lookup) != declared {
		return errors.New("digest does not match request values")
	}
	return nil
}
