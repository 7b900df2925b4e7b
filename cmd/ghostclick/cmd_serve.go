package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghostclick/internal/app"
)

var serveNoBrowser bool

var serveCmd = &cobra.Command{
	Use:   "serve [url...]",
	Short: "Run the coordinator, the browser and the relay",
	Long: `Runs the coordinator in the foreground. Chrome is attached through
browser.debugger_url or launched, and a tab is opened for every url given.

Panels and the CLI reach the coordinator through the websocket relay on
bridge.listen.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoBrowser, "no-browser", false, "Run without a browser (relay and stores only)")
}

func relayURL() string {
	return "ws://" + cfg.Bridge.Listen + app.RelayPath
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := app.New(app.Options{
		Config:    cfg,
		Logger:    logger,
		NoBrowser: serveNoBrowser,
		PanelOpener: func(context.Context) error {
			logger.Info("Open the panel with: ghostclick panel", zap.String("relay", relayURL()))
			return nil
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := coord.Close(); err != nil {
			logger.Warn("Coordinator shutdown incomplete", zap.Error(err))
		}
	}()

	if err := coord.Init(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Bridge.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Bridge.Listen, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ghostclick coordinator running, relay at ws://%s%s\n", ln.Addr(), app.RelayPath)
	return coord.Serve(ctx, ln, args...)
}
