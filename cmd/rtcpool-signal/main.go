// rtcpool-signal is the signaling relay entry point.
//
// Serves a single room on ws://<listen>/ws. Every connection receives an id
// and the ids already present; offers, answers and candidates are relayed
// between members and departures are broadcast. Expose the port (for
// example with VS Code port forwarding) so members on other networks can
// reach it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcpool/internal/config"
	"github.com/1ureka/rtcpool/internal/signaling"
	"github.com/1ureka/rtcpool/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flagSet := config.NewFlagSet("rtcpool-signal", config.RoleRelay)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.Load(flagSet)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtcpool-signal — v%s", version))
	pterm.Println()

	if err := signaling.NewServer().ListenAndServe(ctx, cfg.Listen); err != nil {
		util.LogError("relay failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}
