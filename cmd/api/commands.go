package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"enrol-payment/internal/client"
	"enrol-payment/internal/handler"
	"enrol-payment/internal/middleware"
	"enrol-payment/internal/scheduler"
	"enrol-payment/internal/server"
	"enrol-payment/internal/service"

	"github.com/spf13/cobra"
)

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the entitlement expiry job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET is required")
			}
			if err := client.Migrate(a.db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := a.seedCatalog(cmd.Context()); err != nil {
				return err
			}
			defaultCost, err := a.defaultCost()
			if err != nil {
				return err
			}
			a.useNotifier()

			paypalClient := client.NewPaypalClient(&a.cfg.Paypal)

			checkoutService := service.NewCheckoutService(
				a.db, paypalClient,
				a.sessions, a.transactions, a.products,
				a.entitlements, a.users,
				a.taxTable(), defaultCost,
				a.cfg.BaseURL,
				a.logger,
			)
			discountService := service.NewDiscountService(a.db, a.sessions, a.products, a.logger)
			verifier := service.NewNotificationVerifier(a.db, paypalClient, a.transactions, a.logger)

			sched := scheduler.NewScheduler(a.logger)
			if err := sched.Add("entitlement-expiry", a.cfg.Schedule.Expiry, service.NewExpiryService(a.entitlements, a.logger)); err != nil {
				return err
			}
			sched.Start()

			srv := server.NewServer(
				handler.NewCheckoutHandler(checkoutService, discountService),
				handler.NewPaypalHandler(verifier, a.reconciler(), a.logger),
				middleware.AuthMiddleware([]byte(a.cfg.Auth.JWTSecret), a.cfg.Auth.Issuer),
				a.logger,
			)

			serverAddr := a.cfg.HTTP.Host + ":" + a.cfg.HTTP.Port
			a.logger.Info("starting HTTP server", "addr", serverAddr)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

			select {
			case <-sigChan:
				a.logger.Info("signal received, starting graceful shutdown")
			case err := <-errCh:
				a.logger.Error("HTTP server error", "error", err)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			<-sched.Stop().Done()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema and seed the product catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := client.Migrate(a.db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return a.seedCatalog(cmd.Context())
		},
	}
}

func expireCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Deactivate entitlements whose validity window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := service.NewExpiryService(a.entitlements, a.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d entitlements\n", n)
			return nil
		},
	}
}

func redriveCmd(envFile *string) *cobra.Command {
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "redrive [token]",
		Short: "Replay entitlement grants for settled sessions",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass a token or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("a session token is required unless --all is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.Close()
			a.useNotifier()

			reconciler := a.reconciler()
			out := cmd.OutOrStdout()

			if !all {
				res, err := reconciler.Redrive(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d failed recipients %v\n", args[0], len(res.FailedRecipients), res.FailedRecipients)
				return nil
			}

			results, err := reconciler.RedriveAll(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, res := range results {
				fmt.Fprintf(out, "%s: %d failed recipients %v\n", res.Session.Token, len(res.FailedRecipients), res.FailedRecipients)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Redrive every settled session with incomplete grants")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum sessions for --all")

	return cmd
}
