// Package cli implements the map-client command tree.
package cli

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/gameontext/gameon-map-sub000/internal/client"
	"github.com/gameontext/gameon-map-sub000/internal/config"
	"github.com/gameontext/gameon-map-sub000/internal/signing"
)

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the global flags. Flags override values read from
// the config file.
type RootOptions struct {
	ConfigPath string
	ServerURL  string
	UserID     string
	Secret     string
	Timeout    time.Duration
	Legacy     bool
	Format     string
}

// NewRootCommand creates the root command for map-client.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "map-client",
		Short: "Signed client for the gameon map service",
		Long: `Registers, inspects and rearranges rooms on the gameon map.

Every request is signed with the gameon-* headers using the user id and
shared secret from --config or the flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "client config file (YAML)")
	pf.StringVar(&opts.ServerURL, "server", "", "map server base URL")
	pf.StringVar(&opts.UserID, "user", "", "gameon id to sign as")
	pf.StringVar(&opts.Secret, "secret", "", "shared secret for --user")
	pf.DurationVar(&opts.Timeout, "timeout", 0, "request timeout")
	pf.BoolVar(&opts.Legacy, "legacy", false, "sign with the legacy format (method and path covered, ISO dates)")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewConnectCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewSwapCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))

	return cmd
}

func defaultConfigPath() string {
	if p := os.Getenv("MAP_CLIENT_CONFIG"); p != "" {
		return p
	}
	return "map-client.yaml"
}

// settings merges the config file, when present, with the flags.
func (o *RootOptions) settings() (*config.Client, error) {
	cfg := &config.Client{}
	if o.ConfigPath != "" {
		loaded, err := config.LoadClient(o.ConfigPath)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
	}
	if o.UserID != "" {
		cfg.UserID = o.UserID
	}
	if o.Secret != "" {
		cfg.Secret = o.Secret
	}
	if o.Timeout > 0 {
		cfg.TimeoutSeconds = int(o.Timeout.Round(time.Second) / time.Second)
	}
	if o.Legacy {
		cfg.LegacySigning = true
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("no server URL: set server_url in the config file or pass --server")
	}
	if cfg.UserID != "" && cfg.Secret == "" {
		return nil, fmt.Errorf("no secret for user %q", cfg.UserID)
	}
	return cfg, nil
}

func (o *RootOptions) client() (*client.Client, error) {
	cfg, err := o.settings()
	if err != nil {
		return nil, err
	}
	var signer *signing.Signer
	if cfg.UserID != "" {
		signer = &signing.Signer{
			UserID:  cfg.UserID,
			Secret:  cfg.Secret,
			Headers: cfg.SignedHeaders,
		}
		if cfg.LegacySigning {
			signer.Format = signing.FormatLegacy
		}
	}
	return client.New(cfg.ServerURL, signer, cfg.Timeout()), nil
}
