package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"terasu-mitm/internal/egress"
	"terasu-mitm/internal/flusher"
	"terasu-mitm/internal/logging"
	"terasu-mitm/internal/metrics"
	"terasu-mitm/internal/proxy"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intercepting proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			log.Infof("starting terasu-mitm, engine=%s, mode=%s, listen=%s", cfg.Engine, cfg.Mode, cfg.Listen)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			store := eng.store
			log.WithFields(logrus.Fields{
				"dir":      store.Dir(),
				"root":     store.SigningCertificate().Subject.CommonName,
				"hosts":    len(store.Hostnames()),
				"persist":  cfg.Keystore.Persist,
				"trustAll": cfg.Upstream.TrustAll,
			}).Info("keystore ready")

			var fl *flusher.Flusher
			if !store.PersistImmediately() {
				fl = flusher.New(store, log)
				fl.Start(cfg.Keystore.FlushInterval)
			}

			dialer := egress.New(cfg.Upstream.DNSMode, cfg.Upstream.FragmentLen, eng.factory, log)
			p, err := proxy.NewServer(cfg, eng.factory, dialer, log)
			if err != nil {
				return err
			}

			// metrics server (optional)
			var metricsSrv *http.Server
			if cfg.Metrics.Addr != "" {
				certs := func() metrics.CertReport {
					return metrics.CertReport{
						Statistics: eng.cache.Stats(),
						Hostnames:  len(store.Hostnames()),
						Dirty:      store.Dirty(),
					}
				}
				metricsSrv = &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           metrics.NewMux(p.Stats(), certs),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Infof("metrics listening on %s", cfg.Metrics.Addr)
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Errorf("metrics server error: %v", err)
					}
				}()
			}

			served := make(chan error, 1)
			go func() { served <- p.ListenAndServe() }()

			select {
			case err = <-served:
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
			case <-ctx.Done():
				log.Info("shutting down...")
			}

			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := p.Shutdown(sctx); serr != nil {
				log.Errorf("shutdown proxy error: %v", serr)
			}
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(sctx)
			}
			if fl != nil {
				fl.Stop()
			} else if store.Dirty() {
				_ = store.PersistAll()
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "proxy listen address (overrides listen)")
	return cmd
}
