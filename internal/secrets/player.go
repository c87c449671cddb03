package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

// HeaderJWT carries the service token on calls to the player service.
const HeaderJWT = "gameon-jwt"

// PlayerSource fetches shared secrets from the player service account
// endpoint, GET {BaseURL}/accounts/{id}.
type PlayerSource struct {
	BaseURL string
	// SystemID is the subject of the service token.
	SystemID string
	// Key signs the HS256 service token.
	Key        []byte
	HTTPClient *http.Client
	Clock      clock.Clock
}

type playerAccount struct {
	Credentials struct {
		SharedSecret string `json:"sharedSecret"`
	} `json:"credentials"`
}

// Lookup implements Source.
func (p *PlayerSource) Lookup(ctx context.Context, id string) (string, error) {
	token, err := p.token()
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "sign player service token", err)
	}

	endpoint := strings.TrimRight(p.BaseURL, "/") + "/accounts/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "build player request", err)
	}
	req.Header.Set(HeaderJWT, token)
	req.Header.Set("Accept", "application/json")

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.Unavailable, "player service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apierr.New(apierr.NotFound, "unknown identity").WithMoreInfo(id)
	case resp.StatusCode >= 500:
		return "", apierr.Newf(apierr.Unavailable, "player service status %d", resp.StatusCode)
	case resp.StatusCode/100 != 2:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apierr.Wrap(apierr.Forbidden, "player service refused lookup",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var acct playerAccount
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&acct); err != nil {
		return "", apierr.Wrap(apierr.Unavailable, "decode player account", err)
	}
	if acct.Credentials.SharedSecret == "" {
		return "", apierr.New(apierr.NotFound, "identity has no shared secret").WithMoreInfo(id)
	}
	return acct.Credentials.SharedSecret, nil
}

func (p *PlayerSource) token() (string, error) {
	if len(p.Key) == 0 {
		return "", errors.New("player service key is empty")
	}
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	now := c.Now()
	claims := jwt.RegisteredClaims{
		Subject:   p.SystemID,
		Audience:  jwt.ClaimStrings{"server"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.Key)
}
