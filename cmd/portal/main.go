package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"clinicportal/internal/config"
	"clinicportal/internal/log"
	"clinicportal/internal/portal"
	"clinicportal/internal/session"
)

type app struct {
	profile string
	cfg     *config.PortalConfig
	logger  zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "clinic-portal",
		Short:        "Clinic booking portal session client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPortal()
			if err != nil {
				return err
			}
			if a.profile != "" {
				cfg.Profile.Name = a.profile
			}
			a.cfg = cfg
			a.logger = log.NewWithLevel(cfg.Environment, cfg.Logging.Level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.profile, "profile", "", "profile name (overrides config)")

	root.AddCommand(
		a.loginCmd(),
		a.logoutCmd(),
		a.statusCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) openTab(ctx context.Context, reg prometheus.Registerer) (*portal.Tab, error) {
	tab, err := portal.Open(ctx, a.cfg, reg, a.logger)
	if err != nil {
		return nil, err
	}
	tab.Initialize(ctx)
	return tab, nil
}

func (a *app) loginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and persist the session for every tab of the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("CLINIC_PORTAL_PASSWORD")
			}
			tab, err := a.openTab(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tab.Close()

			if err := tab.Login(cmd.Context(), email, password); err != nil {
				return err
			}
			return printJSON(cmd, tab)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (or CLINIC_PORTAL_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and sweep every client-side store of the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			tab, err := a.openTab(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tab.Close()

			tab.Logout(cmd.Context())
			return printJSON(cmd, tab)
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session restored from the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			tab, err := a.openTab(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tab.Close()
			return printJSON(cmd, tab)
		},
	}
}

// watchCmd keeps a tab open until interrupted, so that logouts from other
// tabs can be observed.
func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep a tab open and follow cross-tab logouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			tab, err := a.openTab(ctx, registry)
			if err != nil {
				return err
			}
			defer tab.Close()

			tab.OnNavigate(func(route string) {
				_ = printJSON(cmd, tab)
			})
			if err := printJSON(cmd, tab); err != nil {
				return err
			}

			var metricsSrv *http.Server
			if addr := a.cfg.Metrics.Addr; addr != "" {
				metricsSrv = &http.Server{
					Addr:              addr,
					Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
			}

			<-ctx.Done()
			a.logger.Info().Msg("closing tab")

			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

type statusView struct {
	TabID  string            `json:"tabId"`
	Status session.Status    `json:"status"`
	Route  string            `json:"route,omitempty"`
	User   *session.UserView `json:"user"`
}

func printJSON(cmd *cobra.Command, tab *portal.Tab) error {
	out, err := json.Marshal(statusView{
		TabID:  tab.ID,
		Status: tab.Manager.Status(),
		Route:  tab.Route(),
		User:   tab.Manager.User(),
	})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
