package signing

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

// Signer adds gameon signature headers to outbound requests.
type Signer struct {
	UserID string
	Secret string
	// Headers and Params name the request headers and query parameters
	// covered by gameon-sig-headers and gameon-sig-parameters.
	Headers []string
	Params  []string
	Format  Format
	Clock   clock.Clock

	mu   sync.Mutex
	last time.Time
}

// maxDateLead bounds how far a signer's date may run ahead of its clock.
const maxDateLead = time.Second

// SignRequest sets the gameon headers on req. body must be the exact bytes
// that will be sent; nil or empty means no body digest. A signer sending
// more than one request per second waits on its clock, bounded by the
// request context.
func (s *Signer) SignRequest(req *http.Request, body []byte) string {
	c := s.Clock
	if c == nil {
		c = clock.Real()
	}
	sr := Request{
		UserID: s.UserID,
		Date:   FormatDate(s.nextDate(req.Context(), c), s.Format),
		Method: req.Method,
		Path:   req.URL.Path,
		Format: s.Format,
	}
	req.Header.Set(HeaderID, sr.UserID)
	req.Header.Set(HeaderDate, sr.Date)
	if len(s.Headers) > 0 {
		sr.HeaderDigest = DigestValues(s.Headers, req.Header.Values)
		req.Header.Set(HeaderSigHeaders, sr.HeaderDigest)
	}
	if len(s.Params) > 0 {
		query := req.URL.Query()
		sr.ParamDigest = DigestValues(s.Params, func(name string) []string { return query[name] })
		req.Header.Set(HeaderSigParams, sr.ParamDigest)
	}
	if len(body) > 0 {
		sr.BodyDigest = DigestBytes(body)
		req.Header.Set(HeaderSigBody, sr.BodyDigest)
	}
	sig := Sign(sr, s.Secret)
	req.Header.Set(HeaderSignature, sig)
	return sig
}

// nextDate returns the current second, or the second after the last date
// this signer used. The current format covers neither method nor path, so
// two bodiless requests in one second would otherwise share a signature.
// Dates never lead the clock by more than maxDateLead; past that it sleeps
// until the clock catches up or ctx is done.
func (s *Signer) nextDate(ctx context.Context, c clock.Clock) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		now := c.Now()
		t := now.Truncate(time.Second)
		if !t.After(s.last) {
			t = s.last.Add(time.Second)
			if wait := t.Sub(now) - maxDateLead; wait > 0 && c.Sleep(ctx, wait) == nil {
				continue
			}
		}
		s.last = t
		return t
	}
}
