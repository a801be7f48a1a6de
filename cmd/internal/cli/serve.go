// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sylabs/sandboxd/internal/pkg/config"
	"github.com/sylabs/sandboxd/internal/pkg/server"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// shutdownGrace bounds how long in-flight requests may drain on SIGTERM.
const shutdownGrace = 15 * time.Second

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-sandbox control plane",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New(configFile)
		if err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			srv.Destroy()
			return err
		case sig := <-sigCh:
			sylog.Infof("Received %s, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a sandboxd TOML configuration file")
}
