// Command relayd is the process entry point: it parses the CLI surface
// described in spec §6, loads configuration, starts every configured
// endpoint's runner, and serves until signaled. Grounded on main/run.go's
// flag-parsing-then-core.New-then-block-on-signal shape, scaled down from
// xray's core.Instance to a flat slice of engine.Runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/l4mesh/relayd/bidicopy"
	"github.com/l4mesh/relayd/cmd/relayd/internal/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "convert":
			return app.RunConvert(args[1:])
		case "api":
			return app.RunAPIServer(args[1:])
		}
	}

	fs := flag.NewFlagSet("relayd", flag.ContinueOnError)
	opts := app.BindFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: relayd [-c config.toml] [-l listen] [-r remote] [flags...]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if opts.ShowVersion {
		fmt.Println(app.Version)
		return 0
	}

	if opts.NoFile > 0 {
		if err := app.BumpNoFile(opts.NoFile); err != nil {
			fmt.Fprintln(os.Stderr, "relayd:", err)
			return 1
		}
	}
	if opts.Pipe > 0 {
		bidicopy.SetPipeSize(opts.Pipe * 4096)
	}

	cfg, err := app.LoadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		return 1
	}

	if err := app.ConfigureRuntime(opts, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runners, err := app.StartAll(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		return 1
	}

	<-ctx.Done()
	for _, r := range runners {
		r.Stop()
	}
	return 0
}
