// Command condastore-server runs the HTTP read surface: paginated,
// authorization-filtered listings, specification submission, build
// logs, and the admin lockfile-query endpoint. Builds themselves run
// on condastore-worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/internal/bootstrap"
	"github.com/conda-store/condastore/internal/config"
	"github.com/conda-store/condastore/internal/database"
	"github.com/conda-store/condastore/internal/database/migrations"
	"github.com/conda-store/condastore/pkg/authz"
	"github.com/conda-store/condastore/pkg/broker"
	"github.com/conda-store/condastore/pkg/datastore/repository"
	"github.com/conda-store/condastore/pkg/metrics"
	"github.com/conda-store/condastore/pkg/pagination"
	"github.com/conda-store/condastore/pkg/specification"
)

func main() {
	configPath := flag.String("config", "/etc/condastore/config.yaml", "path to the service configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "condastore-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	stdLogger := logrus.New()

	db, err := database.Connect(bootstrap.DatabaseConfig(cfg), stdLogger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrations.Up(ctx, db); err != nil {
		return err
	}

	backend, err := bootstrap.StorageBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	taskBroker := broker.New(redisClient, logger)

	pipeline := specification.NewPipeline(specification.Settings{
		ChannelAlias:          cfg.Channels.ChannelAlias,
		AllowedChannels:       cfg.Channels.AllowedChannels,
		DefaultChannels:       cfg.Channels.DefaultChannels,
		CondaIncludedPackages: cfg.Packages.IncludedPackages,
		CondaRequiredPackages: cfg.Packages.RequiredPackages,
		CondaDefaultPackages:  cfg.Packages.DefaultPackages,
		PipIncludedPackages:   cfg.PyPI.IncludedPackages,
		PipRequiredPackages:   cfg.PyPI.RequiredPackages,
		PipDefaultPackages:    cfg.PyPI.DefaultPackages,
	}, repository.NewSpecificationRepository(db, logger), logger)

	policy, err := authz.NewPolicyEvaluator(ctx)
	if err != nil {
		return err
	}

	api := &apiServer{
		db:             db,
		logger:         logger,
		storage:        backend,
		broker:         taskBroker,
		pipeline:       pipeline,
		policy:         policy,
		namespaces:     repository.NewNamespaceRepository(db, logger),
		environments:   repository.NewEnvironmentRepository(db, logger),
		builds:         repository.NewBuildRepository(db, logger),
		specifications: repository.NewSpecificationRepository(db, logger),
		paginator: pagination.NewPaginator(map[string]pagination.SortOption{
			"namespace": {Column: "namespace.name", Path: "Namespace"},
			"name":      {Column: "environment.name", Path: "Name"},
		}, "environment.id", "ID"),
	}

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, stdLogger)
	metricsServer.StartAsync()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(shutdownCtx)
	}()

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Role-Bindings"},
	}))
	api.routes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Server.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("api server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
