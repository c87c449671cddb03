package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gameontext/gameon-map-sub000/internal/client"
	"github.com/gameontext/gameon-map-sub000/internal/lattice"
	"github.com/gameontext/gameon-map-sub000/internal/site"
)

// roomFlags collects room info from --file and the per-field flags.
type roomFlags struct {
	file        string
	name        string
	fullName    string
	description string
	connType    string
	target      string
	token       string
	doors       [6]string
}

var doorNames = [6]string{"n", "s", "e", "w", "u", "d"}

func (f *roomFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "read room info JSON from a file (- for stdin)")
	fl.StringVar(&f.name, "name", "", "room name")
	fl.StringVar(&f.fullName, "full-name", "", "display name")
	fl.StringVar(&f.description, "description", "", "room description")
	fl.StringVar(&f.connType, "conn-type", "websocket", "connection type")
	fl.StringVar(&f.target, "target", "", "connection target URL")
	fl.StringVar(&f.token, "token", "", "connection token")
	for i, d := range doorNames {
		fl.StringVar(&f.doors[i], "door-"+d, "", "door text for direction "+d)
	}
}

func (f *roomFlags) info(in io.Reader) (*site.RoomInfo, error) {
	info := &site.RoomInfo{}
	if f.file != "" {
		var b []byte
		var err error
		if f.file == "-" {
			b, err = io.ReadAll(in)
		} else {
			b, err = os.ReadFile(f.file)
		}
		if err != nil {
			return nil, fmt.Errorf("read room info: %w", err)
		}
		if err := json.Unmarshal(b, info); err != nil {
			return nil, fmt.Errorf("parse room info: %w", err)
		}
	}
	if f.name != "" {
		info.Name = f.name
	}
	if f.fullName != "" {
		info.FullName = f.fullName
	}
	if f.description != "" {
		info.Description = f.description
	}
	if f.target != "" {
		info.ConnectionDetails = &site.ConnectionDetails{Type: f.connType, Target: f.target, Token: f.token}
	}
	doors := site.Doors{}
	if info.Doors != nil {
		doors = *info.Doors
	}
	set := false
	for i, fieldPtr := range []*string{&doors.North, &doors.South, &doors.East, &doors.West, &doors.Up, &doors.Down} {
		if f.doors[i] != "" {
			*fieldPtr = f.doors[i]
			set = true
		}
	}
	if set || info.Doors != nil {
		info.Doors = &doors
	}
	if strings.TrimSpace(info.Name) == "" {
		return nil, errors.New("room info needs a name: pass --name or a file with one")
	}
	return info, nil
}

// NewConnectCommand creates the connect command.
func NewConnectCommand(opts *RootOptions) *cobra.Command {
	rf := &roomFlags{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register a new room on the map",
		Example: `  map-client connect --name "Old Kitchen" --target wss://rooms.example.org/kitchen
  map-client connect -f room.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rf.info(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) (any, error) {
				return c.Connect(ctx, info)
			})
		},
	}
	rf.register(cmd)
	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	var exitsOnly bool
	cmd := &cobra.Command{
		Use:   "get <site-id>",
		Short: "Show a site and its exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) (any, error) {
				if exitsOnly {
					return c.Exits(ctx, args[0])
				}
				return c.Get(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&exitsOnly, "exits", false, "show only the exits")
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var f client.ListFilter
	var siteType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rooms, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type = site.Type(siteType)
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) (any, error) {
				return c.ListSites(ctx, f)
			})
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "only sites owned by this id")
	cmd.Flags().StringVar(&f.Name, "name", "", "only rooms with this name")
	cmd.Flags().StringVar(&siteType, "type", "", "site type (room|empty|placeholder)")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(opts *RootOptions) *cobra.Command {
	rf := &roomFlags{}
	cmd := &cobra.Command{
		Use:   "update <site-id>",
		Short: "Replace the room info of a site you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rf.info(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) (any, error) {
				return c.Update(ctx, args[0], info)
			})
		},
	}
	rf.register(cmd)
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <site-id>",
		Short: "Delete a room, leaving a placeholder in its cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) (any, error) {
				rev, err := c.Delete(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]string{"rev": rev}, nil
			})
		},
	}
}

// NewSwapCommand creates the swap command.
func NewSwapCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "swap <site-id> <x,y> <site-id> <x,y>",
		Short:   "Exchange the coordinates of two sites",
		Long:    "Exchange the coordinates of two sites. Each id is followed by the coordinate you expect it to be at; the swap fails if either has moved.",
		Example: "  map-client swap -- 9a1f 0,1 77c2 -1,0",
		Args:    cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := swapTarget(args[0], args[1])
			if err != nil {
				return err
			}
			second, err := swapTarget(args[2], args[3])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.Client) (any, error) {
				return c.Swap(ctx, first, second)
			})
		},
	}
}

// NewSignCommand creates the sign command.
func NewSignCommand(opts *RootOptions) *cobra.Command {
	var body string
	var query []string
	cmd := &cobra.Command{
		Use:   "sign <method> <path>",
		Short: "Print gameon headers for a request",
		Long: `Print the gameon-* headers for a request so it can be sent with curl.
The path is relative to /map/v1. Each header is valid for one request only.`,
		Example: `  map-client sign POST /sites --body "$(cat room.json)"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if c.Signer == nil {
				return errors.New("sign needs a user id and secret")
			}
			q := url.Values{}
			for _, kv := range query {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("query %q is not key=value", kv)
				}
				q.Add(k, v)
			}
			req, err := c.NewRequest(commandContext(cmd), strings.ToUpper(args[0]), args[1], q, []byte(body))
			if err != nil {
				return err
			}
			headers := map[string]string{}
			for name := range req.Header {
				if strings.HasPrefix(strings.ToLower(name), "gameon-") {
					headers[strings.ToLower(name)] = req.Header.Get(name)
				}
			}
			if opts.Format == "json" {
				return writeOutput(cmd.OutOrStdout(), "json", map[string]any{"url": req.URL.String(), "headers": headers})
			}
			names := make([]string, 0, len(headers))
			for name := range headers {
				names = append(names, name)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "curl -X %s '%s'", req.Method, req.URL)
			for _, name := range names {
				fmt.Fprintf(out, " \\\n  -H '%s: %s'", name, headers[name])
			}
			if body != "" {
				fmt.Fprintf(out, " \\\n  -H 'Content-Type: application/json' --data-binary @-")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "exact request body to digest")
	cmd.Flags().StringArrayVar(&query, "query", nil, "query parameter key=value (repeatable)")
	return cmd
}

func withClient(cmd *cobra.Command, opts *RootOptions, call func(context.Context, *client.Client) (any, error)) error {
	c, err := opts.client()
	if err != nil {
		return err
	}
	out, err := call(commandContext(cmd), c)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), opts.Format, out)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func swapTarget(id, coord string) (lattice.SwapTarget, error) {
	xs, ys, ok := strings.Cut(coord, ",")
	if !ok {
		return lattice.SwapTarget{}, fmt.Errorf("coordinate %q is not x,y", coord)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return lattice.SwapTarget{}, fmt.Errorf("coordinate %q: %w", coord, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return lattice.SwapTarget{}, fmt.Errorf("coordinate %q: %w", coord, err)
	}
	return lattice.SwapTarget{ID: id, ExpectedCoord: site.Coord{X: x, Y: y}}, nil
}
