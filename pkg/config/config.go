package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
)

// Runtime selects how tenant services are executed.
const (
	RuntimeProcess = "process"
	RuntimeDocker  = "docker"
)

// ArchiveStore selects where accepted archives are retained.
const (
	ArchiveStoreFs    = "fs"
	ArchiveStoreMinio = "minio"
)

type Config struct {
	Environment string

	// Control plane API and user-facing proxy listeners.
	APIPort   string
	ProxyPort string

	// Host tenant services bind to and the proxy dials.
	ServiceHost string

	// Suffix appended to project names to form routable hosts,
	// e.g. project "foo" becomes "foo.<HostSuffix>".
	HostSuffix string

	// Deployment pipeline sizing.
	MaxDeploys int
	QueueDepth int

	// Port range handed out to tenant services, inclusive.
	PortRangeFrom int
	PortRangeTo   int

	// How long a build may run, how long a loaded service gets to
	// start listening, and how long a replaced one gets to stop
	// before being killed.
	BuildTimeout time.Duration
	ReadyTimeout time.Duration
	StopGrace    time.Duration

	AdminKey  string
	UsersFile string

	BuildsDir   string
	ArchivesDir string
	BuildScript string

	// Upper bound on uploaded archive size, parsed from a
	// human-readable value such as "50MiB".
	MaxArchiveSize int64

	Runtime       string
	DockerImage   string
	RuntimeMemory int64

	ArchiveStore   string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Empty PostgresURI disables database provisioning.
	PostgresURI string
	// Host written into tenant connection strings; the provisioner
	// may reach Postgres over a different address than tenants do.
	PostgresTenantHost string

	// Empty RedisURL keeps rate limiting in process memory.
	RedisURL       string
	DeploysPerHour int

	// Empty AmqpURL disables the deployment event exchange.
	AmqpURL string

	// When set, a second deploy for a project with a live
	// deployment is refused instead of superseding it.
	StrictProjectClaim bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment:        getEnv("GO_ENV", "development"),
		APIPort:            getEnv("API_PORT", "8001"),
		ProxyPort:          getEnv("PROXY_PORT", "8000"),
		ServiceHost:        getEnv("SERVICE_HOST", "127.0.0.1"),
		HostSuffix:         getEnv("HOST_SUFFIX", "hostingapp.dev"),
		AdminKey:           getEnv("ADMIN_KEY", ""),
		UsersFile:          getEnv("USERS_FILE", "users.toml"),
		BuildsDir:          getEnv("BUILDS_DIR", "data/builds"),
		ArchivesDir:        getEnv("ARCHIVES_DIR", "data/archives"),
		BuildScript:        getEnv("BUILD_SCRIPT", "build.sh"),
		Runtime:            getEnv("RUNTIME", RuntimeProcess),
		DockerImage:        getEnv("DOCKER_IMAGE", "debian:bookworm-slim"),
		ArchiveStore:       getEnv("ARCHIVE_STORE", ArchiveStoreFs),
		MinioEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getEnv("MINIO_BUCKET", "hosting-archives"),
		MinioUseSSL:        getEnv("MINIO_USE_SSL", "false") == "true",
		PostgresURI:        getEnv("POSTGRES_URI", ""),
		PostgresTenantHost: getEnv("POSTGRES_TENANT_HOST", "localhost"),
		RedisURL:           getEnv("REDIS_URL", ""),
		AmqpURL:            getEnv("AMQP_URL", ""),
		StrictProjectClaim: getEnv("STRICT_PROJECT_CLAIM", "false") == "true",
	}

	var err error
	if cfg.MaxDeploys, err = getEnvInt("MAX_DEPLOYS", 4); err != nil {
		return nil, err
	}
	if cfg.QueueDepth, err = getEnvInt("QUEUE_DEPTH", 0); err != nil {
		return nil, err
	}
	if cfg.PortRangeFrom, err = getEnvInt("PORT_RANGE_FROM", 9000); err != nil {
		return nil, err
	}
	if cfg.PortRangeTo, err = getEnvInt("PORT_RANGE_TO", 9299); err != nil {
		return nil, err
	}
	if cfg.DeploysPerHour, err = getEnvInt("DEPLOYS_PER_HOUR", 20); err != nil {
		return nil, err
	}
	if cfg.BuildTimeout, err = getEnvDuration("BUILD_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReadyTimeout, err = getEnvDuration("READY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StopGrace, err = getEnvDuration("STOP_GRACE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxArchiveSize, err = getEnvSize("MAX_ARCHIVE_SIZE", "50MiB"); err != nil {
		return nil, err
	}
	if cfg.RuntimeMemory, err = getEnvSize("RUNTIME_MEMORY", "512MiB"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var missingVars []string

	if c.AdminKey == "" {
		missingVars = append(missingVars, "ADMIN_KEY")
	}
	if c.ArchiveStore == ArchiveStoreMinio {
		if c.MinioEndpoint == "" {
			missingVars = append(missingVars, "MINIO_ENDPOINT")
		}
		if c.MinioAccessKey == "" {
			missingVars = append(missingVars, "MINIO_ACCESS_KEY")
		}
		if c.MinioSecretKey == "" {
			missingVars = append(missingVars, "MINIO_SECRET_KEY")
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if c.Runtime != RuntimeProcess && c.Runtime != RuntimeDocker {
		return fmt.Errorf("RUNTIME must be %q or %q, got %q", RuntimeProcess, RuntimeDocker, c.Runtime)
	}
	if c.ArchiveStore != ArchiveStoreFs && c.ArchiveStore != ArchiveStoreMinio {
		return fmt.Errorf("ARCHIVE_STORE must be %q or %q, got %q", ArchiveStoreFs, ArchiveStoreMinio, c.ArchiveStore)
	}
	if c.MaxDeploys < 1 {
		return fmt.Errorf("MAX_DEPLOYS must be at least 1, got %d", c.MaxDeploys)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("QUEUE_DEPTH must not be negative, got %d", c.QueueDepth)
	}
	if c.PortRangeFrom < 1 || c.PortRangeTo > 65535 || c.PortRangeFrom > c.PortRangeTo {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeFrom, c.PortRangeTo)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvSize(key, defaultValue string) (int64, error) {
	value := getEnv(key, defaultValue)
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
