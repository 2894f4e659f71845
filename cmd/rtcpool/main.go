// rtcpool is the mesh client entry point.
//
// Joins a mesh room through a WebSocket signaling relay and negotiates a
// WebRTC peer connection with every other member. Local audio and video are
// read from media files; remote media is received and accounted for in the
// stats line. Commands typed on stdin toggle media and send messages.
//
// Flags, RTCPOOL_* environment variables and an optional YAML file
// (--config) are all accepted. Without a relay URL the URL is prompted for.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcpool/internal/app"
	"github.com/1ureka/rtcpool/internal/config"
	"github.com/1ureka/rtcpool/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flagSet := config.NewFlagSet("rtcpool", config.RoleClient)
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

	pterm.Info.Println(fmt.Sprintf("rtcpool — v%s", version))
	pterm.Println()

	if cfg.URL == "" {
		cfg.URL = askURL()
	} else if cfg.URL, err = normalizeWSURL(cfg.URL); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := app.RunRoom(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		util.LogError("room session failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed all peer connections")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL. A bare host gets the wss scheme,
// http(s) is mapped to ws(s) and an empty path becomes /ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling relay URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
