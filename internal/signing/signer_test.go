package signing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

func TestSignerSetsHeaders(t *testing.T) {
	fc := clock.Fake(time.Date(2016, 5, 21, 19, 14, 54, 0, time.UTC))
	s := &Signer{UserID: "MyUserId", Secret: "fish", Clock: fc, Format: FormatLegacy}
	req := httptest.NewRequest(http.MethodGet, "/map/v1/sites/aRoomId", nil)

	sig := s.SignRequest(req, nil)
	assert.Equal(t, "MyUserId", req.Header.Get(HeaderID))
	assert.Equal(t, "2016-05-21T19:14:54Z", req.Header.Get(HeaderDate))
	assert.Equal(t, sig, req.Header.Get(HeaderSignature))
	assert.Empty(t, req.Header.Get(HeaderSigBody))
	assert.Empty(t, req.Header.Get(HeaderSigHeaders))
}

func TestSignerDatesNeverRepeat(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 400*int(time.Millisecond), time.UTC))
	s := &Signer{UserID: "alice", Secret: "fish", Clock: fc}
	v := NewVerifier(mapSecrets{"alice": "fish"}, &seenSet{}, VerifierOptions{Clock: fc})

	seen := map[string]bool{}
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/map/v1/sites", nil)
		sig := s.SignRequest(req, nil)
		assert.False(t, seen[sig])
		seen[sig] = true
		_, err := v.VerifyRequest(req)
		require.NoError(t, err)
	}

	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC), fc.Now(), "third date waited for the clock")

	fc.Advance(time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/map/v1/sites", nil)
	s.SignRequest(req, nil)
	assert.Equal(t, "Sun, 01 Mar 2026 10:01:01 GMT", req.Header.Get(HeaderDate), "dates catch up with the clock")
}

func TestSignerSustainedRateStaysInWindow(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s := &Signer{UserID: "alice", Secret: "fish", Clock: fc}
	v := NewVerifier(mapSecrets{"alice": "fish"}, &seenSet{}, VerifierOptions{Clock: fc})

	seen := map[string]bool{}
	for sec := range 60 {
		for n := range 10 {
			req := httptest.NewRequest(http.MethodGet, "/map/v1/sites", nil)
			sig := s.SignRequest(req, nil)
			require.False(t, seen[sig], "second %d request %d reused a signature", sec, n)
			seen[sig] = true

			date, _, err := ParseDate(req.Header.Get(HeaderDate))
			require.NoError(t, err)
			require.LessOrEqual(t, date.Sub(fc.Now()), maxDateLead)

			_, err = v.VerifyRequest(req)
			require.NoError(t, err, "second %d request %d", sec, n)
		}
		fc.Advance(time.Second)
	}
}

func TestSignerStopsWaitingWhenContextDone(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s := &Signer{UserID: "alice", Secret: "fish", Clock: fc}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dates := map[string]bool{}
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/map/v1/sites", nil).WithContext(ctx)
		s.SignRequest(req, nil)
		dates[req.Header.Get(HeaderDate)] = true
	}
	assert.Len(t, dates, 3)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), fc.Now())
}
