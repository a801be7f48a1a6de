// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/sylabs/sandboxd/internal/pkg/router"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

var (
	routerListen      string
	routerControlPort int
	routerBackends    []string
)

// tableResolver resolves sandbox ids from a static id=url table. Unknown ids
// report no instance, which surfaces as the retryable provisioning 503.
type tableResolver struct {
	mu       sync.RWMutex
	backends map[string]string
}

func (r *tableResolver) ControlPlaneURL(sandboxID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.backends[sandboxID]
	if !ok {
		return "", router.ErrNoInstance
	}
	return u, nil
}

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the front-end router",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := &tableResolver{backends: map[string]string{}}
		for _, b := range routerBackends {
			parts := strings.SplitN(b, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid --backend %q, expected id=url", b)
			}
			resolver.backends[parts[0]] = parts[1]
		}

		r := router.New(router.Config{
			ControlPort: routerControlPort,
			Resolver:    resolver,
		})

		handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.Route(w, req) {
				return
			}
			http.NotFound(w, req)
		})

		sylog.Infof("Front-end router listening on %s", routerListen)
		return http.ListenAndServe(routerListen, handler)
	},
}

func init() {
	flags := routerCmd.Flags()
	flags.StringVarP(&routerListen, "listen", "l", ":8787", "address to listen on")
	flags.IntVar(&routerControlPort, "control-port", 3000, "reserved in-container control plane port")
	flags.StringArrayVarP(&routerBackends, "backend", "b", nil, "sandbox backend as id=url (repeatable)")
}
