package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"hosting-service/internal/api"
	"hosting-service/internal/auth"
	"hosting-service/internal/build"
	"hosting-service/internal/database"
	"hosting-service/internal/deployment"
	"hosting-service/internal/events"
	"hosting-service/internal/proxy"
	"hosting-service/internal/runtime"
	"hosting-service/internal/security"
	"hosting-service/internal/storage"
	"hosting-service/pkg/config"
	"hosting-service/pkg/logger"
)

func main() {
	// A .env file is a development convenience; deployments set the
	// environment directly.
	godotenv.Load()

	if err := logger.Init(os.Getenv("GO_ENV")); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Err(err))
	}

	logger.Info("Configuration loaded",
		logger.String("environment", cfg.Environment),
		logger.String("api_port", cfg.APIPort),
		logger.String("proxy_port", cfg.ProxyPort),
		logger.String("runtime", cfg.Runtime),
		logger.String("host_suffix", cfg.HostSuffix),
	)

	broker := events.NewBroker(logger.Named("events"))
	if cfg.AmqpURL != "" {
		publisher, err := events.NewAmqpPublisher(cfg.AmqpURL, logger.Named("amqp"))
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", logger.Err(err))
		}
		defer publisher.Close()
		broker.Forward(publisher.Forward)
		logger.Info("Connected to RabbitMQ")
	}
	broker.Start()
	defer broker.Stop()

	var archives storage.Store
	if cfg.ArchiveStore == config.ArchiveStoreMinio {
		archives, err = storage.NewMinioStore(
			cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
			cfg.MinioBucket, cfg.MinioUseSSL, logger.Named("minio"))
		if err != nil {
			logger.Fatal("Failed to connect to MinIO", logger.Err(err))
		}
		logger.Info("Connected to MinIO", logger.String("bucket", cfg.MinioBucket))
	} else {
		archives, err = storage.NewFsStore(cfg.ArchivesDir, logger.Named("archives"))
		if err != nil {
			logger.Fatal("Failed to create archive store", logger.Err(err))
		}
	}

	var provisioner database.Provisioner
	if cfg.PostgresURI != "" {
		pg, err := database.NewPgProvisioner(cfg.PostgresURI, logger.Named("provisioner"))
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
		}
		defer pg.Close()
		provisioner = pg
		logger.Info("Connected to PostgreSQL")
	}

	var limiter security.DeployLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err := security.NewRedisLimiter(cfg.RedisURL, cfg.DeploysPerHour)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		limiter = redisLimiter
		logger.Info("Connected to Redis")
	} else {
		limiter = security.NewMemoryLimiter(cfg.DeploysPerHour)
	}
	defer limiter.Close()

	builder, err := build.NewFsBuildSystem(cfg.BuildsDir, cfg.BuildScript, cfg.BuildTimeout, logger.Named("build"))
	if err != nil {
		logger.Fatal("Failed to create build system", logger.Err(err))
	}

	var loader runtime.Loader
	if cfg.Runtime == config.RuntimeDocker {
		dockerLoader, err := runtime.NewDockerLoader(
			cfg.DockerImage, cfg.RuntimeMemory, cfg.ServiceHost,
			cfg.ReadyTimeout, cfg.StopGrace, logger.Named("docker"))
		if err != nil {
			logger.Fatal("Failed to connect to Docker", logger.Err(err))
		}
		loader = dockerLoader
		logger.Info("Connected to Docker", logger.String("image", cfg.DockerImage))
	} else {
		loader = runtime.NewProcessLoader(cfg.ServiceHost, cfg.ReadyTimeout, cfg.StopGrace, logger.Named("process"))
	}

	users, err := auth.NewDirectory(cfg.UsersFile, logger.Named("auth"))
	if err != nil {
		logger.Fatal("Failed to load user directory", logger.Err(err))
	}

	router := proxy.NewRouter()
	manager := deployment.NewManager(cfg, builder, loader, provisioner, archives, broker, router, logger.Named("manager"))
	manager.Start()

	proxyServer := proxy.NewServer(router, logger.Named("proxy"))
	if err := proxyServer.Start(net.JoinHostPort("", cfg.ProxyPort)); err != nil {
		logger.Fatal("Failed to start proxy", logger.Err(err))
	}

	apiServer := api.NewServer(cfg, manager, users, broker, limiter)
	if err := apiServer.Start(net.JoinHostPort("", cfg.APIPort)); err != nil {
		logger.Fatal("Failed to start API server", logger.Err(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down hosting service...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("API server forced to shutdown", logger.Err(err))
	}
	if err := proxyServer.Shutdown(ctx); err != nil {
		logger.Error("Proxy forced to shutdown", logger.Err(err))
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("Deployment manager forced to shutdown", logger.Err(err))
	}

	logger.Info("Hosting service stopped")
}
