package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/gameontext/gameon-map-sub000/internal/cli"
	"github.com/gameontext/gameon-map-sub000/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		config.Exitf("map-client: %v", err)
	}
}
