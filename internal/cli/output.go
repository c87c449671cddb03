package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/gameontext/gameon-map-sub000/internal/site"
)

func writeOutput(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch x := v.(type) {
	case site.Site:
		writeSite(w, x)
	case []site.Site:
		writeSiteTable(w, x)
	case *site.Exits:
		writeExits(w, x)
	case [2]site.Site:
		writeSite(w, x[0])
		fmt.Fprintln(w)
		writeSite(w, x[1])
	case map[string]string:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s: %s\n", k, x[k])
		}
	default:
		fmt.Fprintln(w, v)
	}
	return nil
}

func writeSite(w io.Writer, s site.Site) {
	fmt.Fprintf(w, "id:       %s\n", s.ID)
	fmt.Fprintf(w, "rev:      %s\n", s.Rev)
	fmt.Fprintf(w, "type:     %s\n", s.Type)
	fmt.Fprintf(w, "coord:    (%d, %d)\n", s.Coord.X, s.Coord.Y)
	if s.Owner != "" {
		fmt.Fprintf(w, "owner:    %s\n", s.Owner)
	}
	if s.Info != nil {
		fmt.Fprintf(w, "name:     %s\n", s.Info.Name)
		if s.Info.ConnectionDetails != nil {
			fmt.Fprintf(w, "target:   %s (%s)\n", s.Info.ConnectionDetails.Target, s.Info.ConnectionDetails.Type)
		}
	}
	if s.Exits != nil {
		writeExits(w, s.Exits)
	}
}

func writeExits(w io.Writer, exits *site.Exits) {
	for _, d := range site.Directions {
		if e := exits.Get(d); e != nil {
			fmt.Fprintf(w, "exit %s:   %s [%s] %q\n", d, e.Name, e.ID, e.Door)
		}
	}
}

func writeSiteTable(w io.Writer, sites []site.Site) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tX\tY\tOWNER\tNAME")
	for _, s := range sites {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", s.ID, s.Type, s.Coord.X, s.Coord.Y, s.Owner, s.Name())
	}
	_ = tw.Flush()
}
