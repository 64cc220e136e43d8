package api

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hosting-service/internal/auth"
	"hosting-service/internal/build"
	"hosting-service/internal/deployment"
	"hosting-service/internal/security"
	"hosting-service/pkg/logger"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

func (s *Server) handleStatus(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.manager.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"version":     Version,
		"deployments": stats.Deployments,
		"routes":      stats.Routes,
		"free_ports":  stats.FreePorts,
		"pending":     stats.Pending,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}

// handleCreateUser mints an API key for a username, or returns the
// existing key. Keys do not rotate on repeat calls.
func (s *Server) handleCreateUser(c *gin.Context) {
	username := c.Param("username")
	if !usernamePattern.MatchString(username) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid username format"})
		return
	}

	user, err := s.users.GetOrCreate(username)
	if err != nil {
		logger.Error("Failed to create user", zap.String("username", username), logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}
	c.String(http.StatusOK, user.Key)
}

// handleDeploy admits an archive for the project named in the
// X-Hosting-Project header. The body is the raw gzipped tar, unless
// X-Hosting-Git names a repository to clone instead.
func (s *Server) handleDeploy(c *gin.Context) {
	user := currentUser(c)

	project := c.GetHeader("X-Hosting-Project")
	if project == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Hosting-Project header is required"})
		return
	}
	// Reject malformed names before they reach the user directory, so
	// junk never gets claimed.
	if !deployment.ValidProjectName(project) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project name"})
		return
	}

	// Claiming a name owned by someone else looks identical to the
	// name not existing.
	if err := s.users.ClaimProject(user.Name, project); err != nil {
		if errors.Is(err, auth.ErrProjectTaken) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		logger.Error("Failed to claim project",
			zap.String("username", user.Name),
			zap.String("project", project),
			logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to claim project"})
		return
	}

	if s.limiter != nil {
		err := s.limiter.CheckAndIncrement(c.Request.Context(), user.Name)
		if errors.Is(err, security.ErrRateLimited) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			// A broken limiter backend should not block deploys.
			logger.Warn("Rate limiter check failed", zap.String("username", user.Name), logger.Err(err))
		}
	}

	var tarball []byte
	if source := c.GetHeader("X-Hosting-Git"); source != "" {
		var err error
		tarball, err = build.FetchArchive(c.Request.Context(), source)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to fetch git source: " + err.Error()})
			return
		}
	} else {
		reader := http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxArchiveSize)
		var err error
		tarball, err = io.ReadAll(reader)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Archive exceeds the size limit"})
			return
		}
	}

	wantsDB, _ := strconv.ParseBool(c.GetHeader("X-Hosting-Database"))

	meta, err := s.manager.Deploy(deployment.DeployRequest{
		Project:       project,
		Tarball:       tarball,
		WantsDatabase: wantsDB,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleGetProject(c *gin.Context) {
	user := currentUser(c)
	name := c.Param("name")
	if !s.users.Owns(user.Name, name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	meta, err := s.manager.GetActive(name)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	user := currentUser(c)
	name := c.Param("name")
	if !s.users.Owns(user.Name, name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	meta, err := s.manager.KillActive(name)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	meta, ok := s.lookupOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleDeleteDeployment(c *gin.Context) {
	meta, ok := s.lookupOwned(c)
	if !ok {
		return
	}

	killed, err := s.manager.Kill(meta.ID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, killed)
}

// lookupOwned resolves the deployment id parameter and enforces
// ownership. Deployments of other users answer 404, never 403, so
// ids cannot be probed for existence.
func (s *Server) lookupOwned(c *gin.Context) (deployment.Meta, bool) {
	user := currentUser(c)

	id, err := uuid.Parse(c.Param("deploymentId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return deployment.Meta{}, false
	}
	meta, err := s.manager.GetByID(id)
	if err != nil {
		s.renderError(c, err)
		return deployment.Meta{}, false
	}
	if !s.users.Owns(user.Name, meta.Project) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return deployment.Meta{}, false
	}
	return meta, true
}

func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deployment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project or deployment not found"})
	case errors.Is(err, deployment.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, deployment.ErrProjectExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, deployment.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed", logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
