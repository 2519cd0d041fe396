package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"fintrack-auth/internal/config"
	"fintrack-auth/internal/factory"
	"fintrack-auth/internal/handler"
	"fintrack-auth/internal/util"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		util.Fatal("Server exited with error", util.ErrorField(err))
	}
}

func run() error {
	// Loads config and wires store, notifiers and audit sinks
	f, err := factory.NewFactory()
	if err != nil {
		return fmt.Errorf("initialize factory: %w", err)
	}
	defer f.Close()

	cfg := f.Config()
	router := handler.NewRouter(cfg.Server, f.RouterDeps(), f.Logger().Named("http"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	servers := buildServers(f, cfg, router)
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		g.Go(func() error {
			util.Info("Listener starting",
				util.String("name", s.name),
				util.String("address", s.srv.Addr),
				util.Bool("tls", s.tls),
			)
			var err error
			if s.tls {
				// certificates come from the TLS manager's GetCertificate
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", s.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down listeners")
		return shutdown(cfg.Server.ShutdownTimeout, servers)
	})

	return g.Wait()
}

type listener struct {
	name string
	srv  *http.Server
	tls  bool
}

// buildServers returns the API listener plus, in production with AutoCert,
// the port 80 listener that answers ACME challenges and redirects to HTTPS.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) []listener {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled", util.String("environment", cfg.Environment))
		return []listener{{name: "http", srv: api}}
	}

	tlsManager := f.TLSManager()
	api.TLSConfig = tlsManager.GetTLSConfig()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)

	acme := tlsManager.GetAutocertManager()
	if !cfg.IsProduction() || acme == nil {
		return []listener{{name: "https", srv: api, tls: true}}
	}

	api.Addr = ":443"
	challenge := &http.Server{
		Addr:              ":80",
		Handler:           acme.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	util.Info("AutoCert enabled", util.String("domain", cfg.Server.Domain))
	return []listener{
		{name: "https", srv: api, tls: true},
		{name: "acme", srv: challenge},
	}
}

func shutdown(timeout time.Duration, servers []listener) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, s := range servers {
		if err := s.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", s.name, err))
			continue
		}
		util.Info("Listener stopped", util.String("name", s.name))
	}
	return errors.Join(errs...)
}
