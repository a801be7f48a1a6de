// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcfg carries build time values.
package buildcfg

// Version is the sandboxd version, overridden at build time with
// -ldflags "-X .../internal/pkg/buildcfg.Version=...".
var Version = "0.1.0"
