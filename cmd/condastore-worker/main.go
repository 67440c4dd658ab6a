// Command condastore-worker consumes the build queue: it realizes
// builds, runs the artifact producers for completed builds, and
// periodically reaps builds whose workers died.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/internal/bootstrap"
	"github.com/conda-store/condastore/internal/config"
	"github.com/conda-store/condastore/internal/database"
	"github.com/conda-store/condastore/internal/database/migrations"
	"github.com/conda-store/condastore/pkg/artifacts"
	"github.com/conda-store/condastore/pkg/broker"
	"github.com/conda-store/condastore/pkg/datastore/repository"
	"github.com/conda-store/condastore/pkg/externalproc"
	"github.com/conda-store/condastore/pkg/locker"
	"github.com/conda-store/condastore/pkg/metrics"
	"github.com/conda-store/condastore/pkg/orchestrator"
	"github.com/conda-store/condastore/pkg/plugin"
)

const (
	dequeueTimeout    = 5 * time.Second
	heartbeatInterval = 20 * time.Second
	reapInterval      = time.Minute
)

func main() {
	configPath := flag.String("config", "/etc/condastore/config.yaml", "path to the service configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "condastore-worker: %v\n", err)
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

	runner := externalproc.NewRunner(logger)

	manager := plugin.NewManager()
	if err := manager.RegisterLock(locker.NewCondaLock(locker.Config{
		Runner:       runner,
		CondaCommand: cfg.Locker.CondaCommand,
		CondaFlags:   cfg.Locker.CondaFlags,
	}, logger)); err != nil {
		return err
	}
	if err := manager.RegisterStorage(backend); err != nil {
		return err
	}

	baseSettings := orchestrator.Settings{
		StorePath:          cfg.Build.StorePath,
		EnvironmentPath:    cfg.Build.EnvironmentPath,
		PackageCache:       cfg.Build.PackageCache,
		DefaultPermissions: cfg.Build.DefaultPermissions,
		DefaultUID:         cfg.Build.DefaultUID,
		DefaultGID:         cfg.Build.DefaultGID,
		CondaCommand:       cfg.Locker.CondaCommand,
		CondaFlags:         cfg.Locker.CondaFlags,
		InstallCommand:     cfg.Locker.InstallCommand,
		SolvePlatforms:     cfg.Locker.SolvePlatforms,
		LockerPluginName:   cfg.Locker.PluginName,
		SettleWindow:       time.Duration(cfg.Build.StuckBuildSettleSecs) * time.Second,
	}

	store := &orchestrator.CondaStore{
		Plugins: manager,
		Storage: backend,
		Settings: orchestrator.NewSettingsProvider(baseSettings,
			repository.NewKeyValueStoreRepository(db, logger), logger),
		Logger: logger,
	}

	workerName := "worker-" + uuid.NewString()[:8]
	builds := repository.NewBuildRepository(db, logger)
	artifactRows := repository.NewBuildArtifactRepository(db, logger)
	specifications := repository.NewSpecificationRepository(db, logger)
	environments := repository.NewEnvironmentRepository(db, logger)
	namespaces := repository.NewNamespaceRepository(db, logger)

	orch := orchestrator.New(orchestrator.Config{
		Builds:         builds,
		Artifacts:      artifactRows,
		Environments:   environments,
		Specifications: specifications,
		Solves:         repository.NewSolveRepository(db, logger),
		Packages:       repository.NewCondaPackageRepository(db, logger),
		Store:          store,
		Runner:         runner,
		Inventory:      taskBroker,
		WorkerName:     workerName,
	}, logger)

	producer := artifacts.New(artifacts.Config{
		Builds:         builds,
		Specifications: specifications,
		Artifacts:      artifactRows,
		Store:          store,
		Logs:           orch.Logs(),
		Runner:         runner,
		Inventory:      taskBroker,
		WorkerName:     workerName,
	}, logger)

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, stdLogger)
	metricsServer.StartAsync()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(shutdownCtx)
	}()

	go heartbeatLoop(ctx, taskBroker, workerName, logger)
	go reapLoop(ctx, orch, logger)

	logger.Info("worker ready", zap.String("worker", workerName))

	w := &worker{
		orchestrator: orch,
		producer:     producer,
		broker:       taskBroker,
		builds:       builds,
		environments: environments,
		namespaces:   namespaces,
		logger:       logger,
	}
	return w.loop(ctx)
}

func heartbeatLoop(ctx context.Context, b *broker.Broker, workerName string, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Heartbeat(ctx, workerName); err != nil {
				logger.Warn("worker heartbeat failed", zap.Error(err))
			}
		}
	}
}

func reapLoop(ctx context.Context, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orch.Reap(ctx, nil, "", false); err != nil {
				logger.Warn("stuck-build sweep failed", zap.Error(err))
			}
		}
	}
}

type worker struct {
	orchestrator *orchestrator.Orchestrator
	producer     *artifacts.Producer
	broker       *broker.Broker
	builds       *repository.BuildRepository
	environments *repository.EnvironmentRepository
	namespaces   *repository.NamespaceRepository
	logger       *zap.Logger
}

func (w *worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		buildID, ok, err := w.broker.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("failed to dequeue build", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		w.processBuild(ctx, buildID)
	}
}

// processBuild runs the build task and, on success, each artifact
// producer in turn. Producer failures are logged but do not undo the
// completed build.
func (w *worker) processBuild(ctx context.Context, buildID int64) {
	namespace, environment, err := w.buildScope(ctx, buildID)
	if err != nil {
		w.logger.Error("failed to resolve build scope",
			zap.Int64("build_id", buildID), zap.Error(err))
		return
	}

	if err := w.orchestrator.BuildTask(ctx, buildID, namespace, environment); err != nil {
		w.logger.Error("build failed",
			zap.Int64("build_id", buildID), zap.Error(err))
		return
	}

	producers := []struct {
		name string
		run  func(context.Context, int64, string, string) error
	}{
		{"conda_env_export", w.producer.CondaEnvExport},
		{"conda_pack", w.producer.CondaPack},
		{"constructor", w.producer.ConstructorInstaller},
	}
	for _, p := range producers {
		if err := p.run(ctx, buildID, namespace, environment); err != nil {
			w.logger.Error("artifact producer failed",
				zap.Int64("build_id", buildID),
				zap.String("producer", p.name),
				zap.Error(err))
		}
	}
}

func (w *worker) buildScope(ctx context.Context, buildID int64) (namespace, environment string, err error) {
	build, err := w.builds.Get(ctx, buildID)
	if err != nil {
		return "", "", err
	}
	env, err := w.environments.Get(ctx, build.EnvironmentID)
	if err != nil {
		return "", "", err
	}
	ns, err := w.namespaces.Get(ctx, env.NamespaceID)
	if err != nil {
		return "", "", err
	}
	return ns.Name, env.Name, nil
}
