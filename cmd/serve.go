// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cardinalhq/lagrunner/config"
	"github.com/cardinalhq/lagrunner/internal/lagadmin"
	"github.com/cardinalhq/lagrunner/internal/lagconfig"
	"github.com/cardinalhq/lagrunner/internal/lagwrap"
	"github.com/cardinalhq/lagrunner/lagapi"
	"github.com/cardinalhq/lagrunner/lagdb"
)

const lagStoreCondition = "lag-store"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve gRPC with lag injected in front of every call",
	RunE: func(_ *cobra.Command, _ []string) error {
		servicename := "lagrunner"
		addlAttrs := attribute.NewSet(
			attribute.String("signal", "lag"),
			attribute.String("action", "serve"),
		)
		doneCtx, doneFx, err := setupTelemetry(servicename, &addlAttrs)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer func() {
			if err := doneFx(); err != nil {
				slog.Error("Error shutting down telemetry", slog.Any("error", err))
			}
		}()

		return serve(doneCtx)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if settingsFile != "" {
		cfg.Lag.SettingsFile = settingsFile
	}
	return cfg, nil
}

// buildTiers creates the base tier and the method and publication
// categories from the settings file.
func buildTiers(ctx context.Context, cfg *config.Config, settings lagconfig.SettingsSource, storeOpts ...lagdb.StoreOption) (*lagconfig.Base, error) {
	base, err := lagconfig.NewBase(ctx, lagconfig.BaseOptions{
		Settings:       settings,
		OpenPersistent: lagdb.Opener(cfg.Database, storeOpts...),
		Logger:         slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	for _, typ := range []string{lagconfig.CategoryMethod, lagconfig.CategoryPublication} {
		if _, err := lagconfig.NewCategory(ctx, typ, base, lagconfig.Settings{}); err != nil {
			return nil, errors.Join(err, base.Close())
		}
	}
	return base, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := config.LoadLagSettings(cfg.Lag.SettingsFile)
	if err != nil {
		return err
	}

	// Not ready while a persistent store cannot hear changes made elsewhere.
	admin := lagadmin.NewServer(cfg.Server.AdminAddr, nil)
	base, err := buildTiers(ctx, cfg, settings,
		lagdb.WithListenerState(admin.ConditionReporter(lagStoreCondition)))
	if err != nil {
		return fmt.Errorf("failed to initialize lag config: %w", err)
	}
	defer func() {
		if err := base.Close(); err != nil {
			slog.Error("Failed to close lag store", slog.Any("error", err))
		}
	}()

	methods, _ := base.Category(lagconfig.CategoryMethod)
	publications, _ := base.Category(lagconfig.CategoryPublication)

	var opts []lagwrap.InterceptorOption
	if cfg.Server.SerializeClients {
		opts = append(opts, lagwrap.WithSlotGate(lagwrap.NewSlotGate(cfg.Server.PinnedMethods...)))
	}
	interceptor := lagwrap.NewInterceptor(lagwrap.NewWrapper(methods), lagwrap.NewWrapper(publications), opts...)

	server := grpc.NewServer(
		grpc.UnaryInterceptor(interceptor.UnaryServerInterceptor()),
		grpc.StreamInterceptor(interceptor.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	interceptor.RegisterServiceNames(ctx, server)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}

	admin.SetAPI(lagapi.New(base))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return admin.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("Starting gRPC server", slog.String("addr", lis.Addr().String()))
		if err := server.Serve(lis); err != nil {
			admin.SetStatus(lagadmin.StatusUnhealthy)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		admin.SetReady(false)
		healthServer.Shutdown()
		server.GracefulStop()
		return nil
	})

	admin.SetStatus(lagadmin.StatusHealthy)
	admin.SetReady(true)
	slog.Info("lagrunner started",
		slog.Bool("persistent", base.Persistent(ctx)),
		slog.Duration("defaultDelay", base.DefaultDelay(ctx)),
		slog.Bool("disabled", base.Disabled(ctx)))

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
