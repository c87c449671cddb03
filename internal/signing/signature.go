package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
)

// Wire header names. Lookups through http.Header are case-insensitive.
const (
	HeaderID         = "gameon-id"
	HeaderDate       = "gameon-date"
	HeaderSignature  = "gameon-signature"
	HeaderSigBody    = "gameon-sig-body"
	HeaderSigHeaders = "gameon-sig-headers"
	HeaderSigParams  = "gameon-sig-parameters"
)

// Request is the signed part of one request.
type Request struct {
	UserID       string
	Date         string
	Method       string
	Path         string
	HeaderDigest string
	ParamDigest  string
	BodyDigest   string
	Signature    string
	Format       Format
}

// Canonical returns the ordered values fed to the HMAC.
func (r Request) Canonical() []string {
	parts := make([]string, 0, 7)
	if r.Format == FormatLegacy {
		parts = append(parts, r.Method, r.Path)
	}
	return append(parts, r.UserID, r.Date, r.HeaderDigest, r.ParamDigest, r.BodyDigest)
}

// Sign returns base64(HMAC-SHA256(secret, concat(r.Canonical()))).
func Sign(r Request, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, part := range r.Canonical() {
		_, _ = mac.Write([]byte(part))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks r.Signature against the signature computed with secret.
func Verify(r Request, secret string) error {
	if r.Signature == "" {
		return apierr.New(apierr.Forbidden, "missing signature")
	}
	expected := Sign(r, secret)
	if !hmac.Equal([]byte(expected), []byte(r.Signature)) {
		return apierr.New(apierr.Forbidden, "signature mismatch").WithMoreInfo(r.UserID)
	}
	return nil
}
