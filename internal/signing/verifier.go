package signing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

const (
	// DefaultWindow is how far a request date may drift from now.
	DefaultWindow = 5 * time.Minute
	// DefaultMaxBodyBytes bounds how much body the verifier buffers.
	DefaultMaxBodyBytes = 1 << 20
)

// ReplayRetention is how long a seen signature is remembered. It strictly
// exceeds the validity window so a signature can never be both fresh and
// forgotten.
func ReplayRetention(window time.Duration) time.Duration {
	return window + time.Minute
}

// SecretResolver returns the shared secret for an identity.
type SecretResolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// ReplayGuard records signatures and reports ones seen before.
type ReplayGuard interface {
	IsDuplicate(signature string, ttl time.Duration) bool
}

// VerifierOptions configures a Verifier. Zero values take defaults.
type VerifierOptions struct {
	Window       time.Duration
	MaxBodyBytes int64
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Verifier authenticates inbound signed requests.
type Verifier struct {
	secrets SecretResolver
	replay  ReplayGuard
	window  time.Duration
	maxBody int64
	clock   clock.Clock
	logger  *slog.Logger
}

// NewVerifier returns a Verifier that resolves secrets through secrets and
// rejects repeated signatures through replay.
func NewVerifier(secrets SecretResolver, replay ReplayGuard, opts VerifierOptions) *Verifier {
	v := &Verifier{
		secrets: secrets,
		replay:  replay,
		window:  opts.Window,
		maxBody: opts.MaxBodyBytes,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if v.window <= 0 {
		v.window = DefaultWindow
	}
	if v.maxBody <= 0 {
		v.maxBody = DefaultMaxBodyBytes
	}
	if v.clock == nil {
		v.clock = clock.Real()
	}
	if v.logger == nil {
		v.logger = slog.New(slog.DiscardHandler)
	}
	return v
}

// Window returns the configured validity window.
func (v *Verifier) Window() time.Duration { return v.window }

// VerifyRequest authenticates req and returns the caller identity. A safe
// request (GET, HEAD, OPTIONS) without a gameon-id header is anonymous and
// returns "". A request with a body has it read exactly once; req.Body is
// replaced with the same bytes for downstream handlers.
func (v *Verifier) VerifyRequest(req *http.Request) (string, error) {
	id := req.Header.Get(HeaderID)
	if id == "" {
		if isSafeMethod(req.Method) {
			return "", nil
		}
		return "", v.reject(req, apierr.New(apierr.Forbidden, "missing gameon-id on a mutating request"))
	}

	sr := Request{
		UserID:       id,
		Date:         req.Header.Get(HeaderDate),
		Method:       req.Method,
		Path:         req.URL.Path,
		HeaderDigest: req.Header.Get(HeaderSigHeaders),
		ParamDigest:  req.Header.Get(HeaderSigParams),
		BodyDigest:   req.Header.Get(HeaderSigBody),
		Signature:    req.Header.Get(HeaderSignature),
	}
	if sr.Signature == "" {
		return "", v.reject(req, apierr.New(apierr.Forbidden, "missing gameon-signature").WithMoreInfo(id))
	}

	if v.replay != nil && v.replay.IsDuplicate(sr.Signature, ReplayRetention(v.window)) {
		return "", v.reject(req, apierr.New(apierr.ReplayDetected, "signature has already been used").WithMoreInfo(id))
	}

	date, format, err := ParseDate(sr.Date)
	if err != nil {
		return "", v.reject(req, apierr.Wrap(apierr.Forbidden, "invalid gameon-date", err).WithMoreInfo(id))
	}
	if Expired(date, v.clock.Now(), v.window) {
		return "", v.reject(req, apierr.New(apierr.Forbidden, "signed request has expired").WithMoreInfo(id))
	}
	sr.Format = format

	if sr.HeaderDigest != "" {
		if err := CheckDigestValue(sr.HeaderDigest, req.Header.Values); err != nil {
			return "", v.reject(req, apierr.Wrap(apierr.Forbidden, "gameon-sig-headers mismatch", err).WithMoreInfo(id))
		}
	}
	if sr.ParamDigest != "" {
		query := req.URL.Query()
		lookup := func(name string) []string { return query[name] }
		if err := CheckDigestValue(sr.ParamDigest, lookup); err != nil {
			return "", v.reject(req, apierr.Wrap(apierr.Forbidden, "gameon-sig-parameters mismatch", err).WithMoreInfo(id))
		}
	}

	if err := v.checkBody(req, sr.BodyDigest); err != nil {
		return "", v.reject(req, err)
	}

	secret, err := v.secrets.Resolve(req.Context(), id)
	if err != nil {
		if apierr.KindOf(err) == apierr.Unavailable {
			return "", v.reject(req, err)
		}
		return "", v.reject(req, apierr.Wrap(apierr.Forbidden, "no shared secret for identity", err).WithMoreInfo(id))
	}
	if err := Verify(sr, secret); err != nil {
		return "", v.reject(req, err)
	}
	return id, nil
}

// checkBody reads the body once, compares its digest to the declared
// gameon-sig-body value and re-injects the bytes.
func (v *Verifier) checkBody(req *http.Request, declared string) error {
	declaresBody := req.ContentLength > 0 || (req.ContentLength < 0 && req.Body != nil && req.Body != http.NoBody)
	if !declaresBody {
		if declared != "" && declared != DigestBytes(nil) {
			return apierr.New(apierr.Forbidden, "gameon-sig-body present without a body")
		}
		return nil
	}
	if declared == "" {
		return apierr.New(apierr.Forbidden, "request has a body but no gameon-sig-body")
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, v.maxBody+1))
	_ = req.Body.Close()
	if err != nil {
		return apierr.Wrap(apierr.BadRequest, "read request body", err)
	}
	if int64(len(body)) > v.maxBody {
		return apierr.Newf(apierr.BadRequest, "request body exceeds %d bytes", v.maxBody)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	if DigestBytes(body) != declared {
		return apierr.New(apierr.Forbidden, "gameon-sig-body does not match body")
	}
	return nil
}

func (v *Verifier) reject(req *http.Request, err error) error {
	v.logger.Info("signed request rejected",
		"method", req.Method,
		"path", req.URL.Path,
		"id", req.Header.Get(HeaderID),
		"error", err,
	)
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apierr.Wrap(apierr.Forbidden, "request verification failed", err)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
