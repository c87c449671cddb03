package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gameontext/gameon-map-sub000/internal/config"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
	"github.com/gameontext/gameon-map-sub000/internal/storage/sqlite"
)

func main() {
	defaultPath := os.Getenv("MAP_DB_PATH")
	if defaultPath == "" {
		defaultPath = "./data/map.db"
	}
	dbPath := flag.String("db", defaultPath, "path to the sqlite database")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := sqlite.Open(ctx, *dbPath, sqlite.Options{})
	if err != nil {
		config.Exitf("open %s: %v", *dbPath, err)
	}
	defer st.Close()

	if err := report(ctx, os.Stdout, st); err != nil {
		config.Exitf("dbcheck: %v", err)
	}
}

// report prints the site count per type and flags duplicated coordinates
// or room names, which the store indexes should make impossible.
func report(ctx context.Context, w io.Writer, st storage.Store) error {
	counts, err := st.Count(ctx)
	if err != nil {
		return err
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	fmt.Fprintln(w, "Sites:")
	total := 0
	for _, t := range types {
		n := counts[site.Type(t)]
		total += n
		fmt.Fprintf(w, " - %-12s %d\n", t, n)
	}
	fmt.Fprintf(w, "Total: %d\n", total)

	all := make([]site.Site, 0, total)
	for _, t := range []site.Type{site.TypeRoom, site.TypeEmpty, site.TypePlaceholder} {
		sites, err := st.List(ctx, storage.Filter{Type: t})
		if err != nil {
			return err
		}
		all = append(all, sites...)
	}

	problems := 0
	coords := map[site.Coord]string{}
	names := map[[2]string]string{}
	for _, s := range all {
		if other, ok := coords[s.Coord]; ok {
			fmt.Fprintf(w, "duplicate coordinate (%d,%d): %s %s\n", s.Coord.X, s.Coord.Y, other, s.ID)
			problems++
		}
		coords[s.Coord] = s.ID
		if s.Type == site.TypeRoom {
			key := [2]string{s.Owner, s.Name()}
			if other, ok := names[key]; ok {
				fmt.Fprintf(w, "duplicate room %q for %s: %s %s\n", s.Name(), s.Owner, other, s.ID)
				problems++
			}
			names[key] = s.ID
		}
	}
	if problems > 0 {
		return fmt.Errorf("%d integrity problems", problems)
	}
	fmt.Fprintln(w, "Integrity: ok")
	return nil
}
