package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hosting-service/internal/auth"
	"hosting-service/internal/deployment"
	"hosting-service/internal/events"
	"hosting-service/internal/security"
	"hosting-service/pkg/config"
	"hosting-service/pkg/logger"
)

// Version is stamped at build time.
var Version = "dev"

const userContextKey = "hosting.user"

// Server is the management API: users, deploys, deployment lookup
// and log streaming. Tenant traffic never passes through here, that
// is the proxy's job.
type Server struct {
	config  *config.Config
	manager *deployment.Manager
	users   *auth.Directory
	broker  *events.Broker
	limiter security.DeployLimiter
	router  *gin.Engine
	srv     *http.Server
}

func NewServer(
	cfg *config.Config,
	manager *deployment.Manager,
	users *auth.Directory,
	broker *events.Broker,
	limiter security.DeployLimiter,
) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		manager: manager,
		users:   users,
		broker:  broker,
		limiter: limiter,
		router:  gin.New(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start binds the listener before serving, so a taken port fails the
// call instead of a background goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", logger.Err(err))
		}
	}()
	logger.Info("API listening", zap.String("addr", addr))
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/version", s.handleVersion)

	s.router.POST("/users/:username", s.requireAdmin(), s.handleCreateUser)

	authed := s.router.Group("/", s.requireUser())
	{
		authed.POST("/projects", s.handleDeploy)
		authed.GET("/projects/:name", s.handleGetProject)
		authed.DELETE("/projects/:name", s.handleDeleteProject)

		authed.GET("/deployments/:deploymentId", s.handleGetDeployment)
		authed.DELETE("/deployments/:deploymentId", s.handleDeleteDeployment)
		authed.GET("/deployments/:deploymentId/logs/stream", s.handleStreamLogs)
		authed.GET("/deployments/:deploymentId/logs/ws", s.handleWebSocketLogs)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// requireAdmin guards user creation with the operator's admin key.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing admin key"})
			c.Abort()
			return
		}
		if token != s.config.AdminKey {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireUser resolves the API key to a user and stashes it on the
// request context.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			c.Abort()
			return
		}
		user, ok := s.users.Authenticate(token)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet(userContextKey).(*auth.User)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return ""
	}
	return strings.TrimSpace(token)
}
