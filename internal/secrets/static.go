package secrets

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
)

// Static is a fixed identity to secret table.
type Static map[string]string

// Lookup implements Source.
func (s Static) Lookup(_ context.Context, id string) (string, error) {
	if secret, ok := s[id]; ok && secret != "" {
		return secret, nil
	}
	return "", apierr.New(apierr.NotFound, "unknown identity").WithMoreInfo(id)
}

type secretsFile struct {
	Secrets map[string]string `yaml:"secrets"`
}

// LoadFile reads a YAML file of the form
//
//	secrets:
//	  some-id: some-secret
func LoadFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var f secretsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	out := make(Static, len(f.Secrets))
	for id, secret := range f.Secrets {
		if id == "" || secret == "" {
			return nil, fmt.Errorf("secrets file %s: empty id or secret", path)
		}
		out[id] = secret
	}
	return out, nil
}

// Chain consults each source in order. A NotFound answer moves on to the
// next source; any other error stops the walk.
type Chain []Source

// Lookup implements Source.
func (c Chain) Lookup(ctx context.Context, id string) (string, error) {
	for _, src := range c {
		secret, err := src.Lookup(ctx, id)
		if err == nil {
			return secret, nil
		}
		if apierr.KindOf(err) != apierr.NotFound {
			return "", err
		}
	}
	return "", apierr.New(apierr.NotFound, "unknown identity").WithMoreInfo(id)
}
