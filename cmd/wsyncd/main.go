package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/wsync/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	accountFlag := flag.String("account", "", "account id or name to select (overrides config default)")
	rootFlag := flag.String("root", "", "state directory (default ~/.wsync)")
	flag.Parse()

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{Account: *accountFlag, Root: *rootFlag}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
