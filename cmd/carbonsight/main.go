package main

//	@title			CarbonSight API
//	@version		0.1.0
//	@description	Emissions, energy and cost analytics: time series, forecasts, anomalies, insights and industry benchmarks.
//	@BasePath		/api/v1

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/carbonsight/internal/config"
	"github.com/HerbHall/carbonsight/internal/event"
	"github.com/HerbHall/carbonsight/internal/insight"
	"github.com/HerbHall/carbonsight/internal/registry"
	"github.com/HerbHall/carbonsight/internal/server"
	"github.com/HerbHall/carbonsight/internal/store"
	"github.com/HerbHall/carbonsight/internal/version"
	"github.com/HerbHall/carbonsight/internal/webhook"
	"github.com/HerbHall/carbonsight/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds draining requests and stopping plugins.
const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "backup":
			runBackup(os.Args[2:])
			return
		case "restore":
			runRestore(os.Args[2:])
			return
		case "schema":
			runSchema(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// The logger depends on configuration, so load failures go to stderr.
	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = serve(ctx, v, logger)
	stop()
	if err != nil {
		logger.Error("carbonsight exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// serve runs the API until ctx is canceled, then drains requests and stops
// plugins in reverse start order.
func serve(ctx context.Context, v *viper.Viper, logger *zap.Logger) error {
	logger.Info("CarbonSight starting", zap.String("version", version.Short()))
	if src := v.ConfigFileUsed(); src != "" {
		logger.Info("configuration loaded", zap.String("source", src))
	} else {
		logger.Warn("no configuration file found, using defaults")
	}

	srvCfg, err := server.ConfigFrom(v)
	if err != nil {
		return err
	}

	dbPath := v.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}
	logger.Info("database ready", zap.String("path", dbPath))

	bus := event.NewBus(logger.Named("event"))
	defer bus.Wait()

	reg := registry.New(logger.Named("registry"))
	for _, p := range []plugin.Plugin{insight.New(), webhook.New()} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	cfg := config.New(v)
	err = reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config: cfg.Sub("plugins." + name),
			Logger: logger.Named(name),
			Store:  db,
			Bus:    bus,
		}
	})
	if err != nil {
		return err
	}
	if err := reg.StartAll(ctx); err != nil {
		reg.StopAll(context.Background())
		return err
	}

	var queryPaths []string
	for _, p := range insight.QueryPaths() {
		queryPaths = append(queryPaths, "/api/v1/"+insight.PluginName+p)
	}
	srv := server.New(srvCfg, reg, logger, db.Ping, queryPaths...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.NamedError("cause", context.Cause(gctx)))

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Stop accepting requests before tearing down the plugins behind them.
		err := srv.Shutdown(sctx)
		reg.StopAll(sctx)
		return err
	})
	logger.Info("CarbonSight ready", zap.String("addr", srvCfg.Addr()), zap.Bool("read_only", srvCfg.ReadOnly))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("CarbonSight stopped")
	return nil
}
