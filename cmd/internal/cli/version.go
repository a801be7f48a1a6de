// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sylabs/sandboxd/internal/pkg/buildcfg"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version of sandboxd",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(buildcfg.Version)
	},
}
