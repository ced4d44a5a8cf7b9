package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cacore/internal/api/router"
	"github.com/remiblancher/cacore/internal/api/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node: CRL scheduler, distribution points and admin API",
	Long: `Run a node until SIGINT or SIGTERM.

The node:
  - generates every full and delta CRL that is due, every crl.interval
  - serves the latest CRLs on GET /crl/{ca-id} and /crl/{ca-id}/delta
  - serves the admin API under /api/v1 when http.admin_token is set
  - clears its caches when another node asks for it over redis

Examples:
  cacore serve --config /etc/cacore/cacore.ini
  cacore serve --addr :8443 --no-scheduler`,
	RunE: runServe,
}

var (
	serveAddr        string
	serveNoScheduler bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: configuration http.addr)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Do not generate CRLs on this node")
}

func runServe(cmd *cobra.Command, args []string) error {
	n, err := openNode(cmd)
	if err != nil {
		return err
	}
	log := n.logger.WithField("node", n.cluster.ID())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.cluster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("cluster listener stopped")
		}
	}()
	if !serveNoScheduler && n.cfg.CRL.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.crls.Schedule(ctx, n.cfg.CRL.Interval, n.cfg.CRL.Pad)
		}()
	}

	scfg := server.DefaultConfig()
	scfg.Addr = n.cfg.HTTP.Addr
	if serveAddr != "" {
		scfg.Addr = serveAddr
	}
	scfg.TLSCert = n.cfg.HTTP.TLSCert
	scfg.TLSKey = n.cfg.HTTP.TLSKey

	handler := router.New(&router.Config{
		Version:    version,
		Log:        log,
		Now:        time.Now,
		CAs:        n.cas,
		CRLs:       n.crls,
		Certs:      n.certs,
		Profiles:   n.profiles,
		Node:       n.cluster,
		AuditPath:  n.cfg.Audit.Path,
		AdminToken: n.cfg.HTTP.AdminToken,
		Admin:      apiAdmin,
	})
	if n.cfg.HTTP.AdminToken == "" {
		log.Info("http.admin_token is not set, admin API disabled")
	}

	err = server.New(scfg, handler, log).Run(ctx)
	stop()
	wg.Wait()
	return err
}
