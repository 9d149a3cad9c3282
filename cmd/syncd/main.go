package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/dmarins/chatsync/internal/engine"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (optional)")
	tokenFlag := flag.String("token", "", "session token (overrides CHATSYNC_TOKEN)")
	flag.Parse()

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("CHATSYNC_TOKEN")
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: no session token (use --token or CHATSYNC_TOKEN)")
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{ConfigPath: *configFlag, Token: token}),
	)

	app.Run()
}
