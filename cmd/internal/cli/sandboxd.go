// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cli registers the sandboxd commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

var (
	debug   bool
	verbose bool
	quiet   bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "sandboxd",
	Short:         "Remotely drivable Linux sandbox control plane",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case debug:
			sylog.SetLevel(int(sylog.DebugLevel))
		case verbose:
			sylog.SetLevel(int(sylog.VerboseLevel))
		case quiet:
			sylog.SetLevel(int(sylog.ErrorLevel))
		}
	},
}

// addVerbosityFlags registers the shared logging flags on a flag set.
func addVerbosityFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&debug, "debug", "d", false, "print debugging information")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print additional information")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress normal output")
}

func init() {
	addVerbosityFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routerCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the sandboxd command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		sylog.Errorf("%v", err)
		os.Exit(1)
	}
}
