package signing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, id string) (string, error) {
	if s, ok := m[id]; ok {
		return s, nil
	}
	return "", apierr.New(apierr.NotFound, "unknown id")
}

type downSecrets struct{}

func (downSecrets) Resolve(context.Context, string) (string, error) {
	return "", apierr.New(apierr.Unavailable, "secret source down")
}

type seenSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *seenSet) IsDuplicate(sig string, _ time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[sig] {
		return true
	}
	s.seen[sig] = true
	return false
}

func newTestVerifier(t *testing.T) (*Verifier, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	v := NewVerifier(mapSecrets{"alice": "fish"}, &seenSet{}, VerifierOptions{Clock: fc})
	return v, fc
}

func signedRequest(t *testing.T, fc clock.Clock, method, target, body string) *http.Request {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	s := &Signer{UserID: "alice", Secret: "fish", Clock: fc, Params: []string{"owner"}, Headers: []string{"Content-Type"}}
	req.Header.Set("Content-Type", "application/json")
	s.SignRequest(req, []byte(body))
	return req
}

func TestVerifyRoundTrip(t *testing.T) {
	v, fc := newTestVerifier(t)
	req := signedRequest(t, fc, http.MethodPost, "/map/v1/sites?owner=alice", `{"name":"r"}`)

	id, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"r"}`, string(body), "body is readable after verification")
}

func TestVerifyReplay(t *testing.T) {
	v, fc := newTestVerifier(t)
	req := signedRequest(t, fc, http.MethodGet, "/map/v1/sites", "")
	_, err := v.VerifyRequest(req)
	require.NoError(t, err)

	again := httptest.NewRequest(http.MethodGet, "/map/v1/sites", nil)
	again.Header = req.Header.Clone()
	_, err = v.VerifyRequest(again)
	assert.ErrorIs(t, err, apierr.ErrReplayDetected)
}

func TestVerifyRejects(t *testing.T) {
	cases := map[string]func(req *http.Request, fc *clock.FakeClock){
		"tampered param": func(req *http.Request, _ *clock.FakeClock) {
			req.URL.RawQuery = "owner=mallory"
		},
		"tampered header": func(req *http.Request, _ *clock.FakeClock) {
			req.Header.Set("Content-Type", "text/plain")
		},
		"digest substitution": func(req *http.Request, _ *clock.FakeClock) {
			req.Header.Set(HeaderSigParams, DigestValues([]string{"owner"}, func(string) []string { return []string{"mallory"} }))
			req.URL.RawQuery = "owner=mallory"
		},
		"expired": func(_ *http.Request, fc *clock.FakeClock) {
			fc.Advance(DefaultWindow + time.Second)
		},
		"future": func(_ *http.Request, fc *clock.FakeClock) {
			fc.Advance(-DefaultWindow - time.Second)
		},
		"bad date": func(req *http.Request, _ *clock.FakeClock) {
			req.Header.Set(HeaderDate, "not a date")
		},
		"unknown identity": func(req *http.Request, _ *clock.FakeClock) {
			req.Header.Set(HeaderID, "bob")
		},
		"missing signature": func(req *http.Request, _ *clock.FakeClock) {
			req.Header.Del(HeaderSignature)
		},
		"missing body digest": func(req *http.Request, _ *clock.FakeClock) {
			req.Header.Del(HeaderSigBody)
		},
		"tampered body": func(req *http.Request, _ *clock.FakeClock) {
			req.Body = io.NopCloser(strings.NewReader(`{"name":"x"}`))
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v, fc := newTestVerifier(t)
			req := signedRequest(t, fc, http.MethodPost, "/map/v1/sites?owner=alice", `{"name":"r"}`)
			mutate(req, fc)
			_, err := v.VerifyRequest(req)
			require.Error(t, err)
			assert.Equal(t, apierr.Forbidden, apierr.KindOf(err))
		})
	}
}

func TestVerifyAnonymous(t *testing.T) {
	v, _ := newTestVerifier(t)

	id, err := v.VerifyRequest(httptest.NewRequest(http.MethodGet, "/map/v1/sites", nil))
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = v.VerifyRequest(httptest.NewRequest(http.MethodDelete, "/map/v1/sites/x", nil))
	assert.ErrorIs(t, err, apierr.ErrForbidden)
}

func TestVerifySecretSourceDown(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	v := NewVerifier(downSecrets{}, &seenSet{}, VerifierOptions{Clock: fc})
	req := signedRequest(t, fc, http.MethodGet, "/map/v1/sites", "")
	_, err := v.VerifyRequest(req)
	assert.ErrorIs(t, err, apierr.ErrUnavailable)
}

func TestVerifyLegacyFormat(t *testing.T) {
	v, fc := newTestVerifier(t)
	req := httptest.NewRequest(http.MethodGet, "/map/v1/sites/aRoomId", nil)
	s := &Signer{UserID: "alice", Secret: "fish", Clock: fc, Format: FormatLegacy}
	s.SignRequest(req, nil)

	_, err := v.VerifyRequest(req)
	require.NoError(t, err)
}

func TestVerifyOldVectorExpires(t *testing.T) {
	v := NewVerifier(mapSecrets{"MyUserId": "fish"}, &seenSet{}, VerifierOptions{})
	req := httptest.NewRequest(http.MethodGet, "/map/v1/sites/aRoomId", nil)
	req.Header.Set(HeaderID, "MyUserId")
	req.Header.Set(HeaderDate, vectorDate)
	req.Header.Set(HeaderSignature, "KsW402Tzm9iChc4snto7bP/UtUUwgiGltVSHBFad1Uw=")
	_, err := v.VerifyRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestVerifyBodyTooLarge(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	v := NewVerifier(mapSecrets{"alice": "fish"}, &seenSet{}, VerifierOptions{Clock: fc, MaxBodyBytes: 4})
	req := signedRequest(t, fc, http.MethodPost, "/map/v1/sites", `{"name":"r"}`)
	_, err := v.VerifyRequest(req)
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}
