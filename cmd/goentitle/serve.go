package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	entitlehttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	handler, err := a.router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.App.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Str("env", a.cfg.App.Env).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// router wires the public endpoints, the billing webhook, the subscription API
// and the gated routes.
func (a *app) router() (http.Handler, error) {
	apiConfig := api.Config{
		Manager:   a.manager,
		GetUserID: api.FromHeader(a.cfg.Auth.UserIDHeader),
		GetEmail:  api.FromHeader(a.cfg.Auth.EmailHeader),
		BaseURL:   a.cfg.App.BaseURL,
	}
	if a.stripe != nil {
		apiConfig.Billing = a.stripe
	}
	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	gate := entitlehttp.Middleware(entitlehttp.Config{
		Manager:   a.manager,
		GetUserID: entitlehttp.FromHeader(a.cfg.Auth.UserIDHeader),
		Gate: goentitle.GateConfig{
			AllowPaths:  a.cfg.Gate.AllowPaths,
			RedirectURL: a.cfg.Gate.RedirectURL,
		},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	if a.stripe != nil {
		r.Handle("/webhooks/stripe", a.stripe.WebhookHandler())
	}

	// Reachable with an expired trial so the user can pick a plan.
	r.Route("/api", func(r chi.Router) {
		r.Get("/trial/status", handler.TrialStatus)
		r.Post("/subscription/select-plan", handler.SelectPlan)
		r.Post("/billing/checkout", handler.Checkout)
		r.Post("/billing/portal", handler.Portal)

		r.With(gate).Get("/access", a.access)
	})
	return r, nil
}

// access answers gated requests, e.g. from a reverse proxy's auth subrequest.
func (a *app) access(w http.ResponseWriter, r *http.Request) {
	decision, _ := goentitle.DecisionFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
		"prompt":  decision.Prompt,
	})
}
