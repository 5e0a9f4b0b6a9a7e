// Package httpapi is a thin read-only facade over the repository's query
// methods. It holds no synchronization policy; each request works on its own
// repository clone so store handles are never shared across workers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/idbs-zorka/aqcache/internal/config"
	"github.com/idbs-zorka/aqcache/internal/gios"
	"github.com/idbs-zorka/aqcache/internal/repository"
	"github.com/idbs-zorka/aqcache/internal/store"
)

const requestTimeout = 60 * time.Second

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg    config.Config
	repo   *repository.Repository
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg config.Config, repo *repository.Repository) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	server := &Server{cfg: cfg, repo: repo, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/stations", s.handleStationList)
		v1.GET("/stations/:id", s.handleStationDetails)
		v1.GET("/stations/:id/meta", s.handleStationMeta)
		v1.GET("/stations/:id/index", s.handleStationIndex)
		v1.GET("/stations/:id/sensors", s.handleStationSensors)
		v1.GET("/sensors/:id/data", s.handleSensorData)
	}
}

// withClone runs fn against a per-request repository clone.
func (s *Server) withClone(c *gin.Context, fn func(ctx context.Context, repo *repository.Repository)) {
	repo, err := s.repo.Clone()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	fn(ctx, repo)
}

func respondError(c *gin.Context, err error) {
	var apiErr *gios.APIError
	switch {
	case errors.Is(err, gios.ErrTooManyRequests):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "remote api rate limited, retry later"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &apiErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": apiErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reachable": s.repo.API().Reachable()})
}

func (s *Server) handleStationList(c *gin.Context) {
	s.withClone(c, func(ctx context.Context, repo *repository.Repository) {
		stations, err := repo.StationListView(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stations": stations, "count": len(stations)})
	})
}

func (s *Server) handleStationDetails(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s.withClone(c, func(ctx context.Context, repo *repository.Repository) {
		details, err := repo.StationDetailsView(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, details)
	})
}

func (s *Server) handleStationMeta(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s.withClone(c, func(ctx context.Context, repo *repository.Repository) {
		meta, err := repo.StationMetaView(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, meta)
	})
}

func (s *Server) handleStationIndex(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	typeCodename := c.DefaultQuery("type", store.OverallTypeCodename)

	s.withClone(c, func(ctx context.Context, repo *repository.Repository) {
		value, err := repo.StationAirQualityIndexValue(ctx, id, typeCodename)
		if err != nil {
			respondError(c, err)
			return
		}
		resp := gin.H{"station_id": id, "type": typeCodename, "value": value}
		if value != nil {
			if name, err := repo.IndexCategoryName(ctx, *value); err == nil {
				resp["category"] = name
			}
		}
		c.JSON(http.StatusOK, resp)
	})
}

func (s *Server) handleStationSensors(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s.withClone(c, func(ctx context.Context, repo *repository.Repository) {
		sensors, err := repo.StationSensors(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"station_id": id, "sensors": sensors})
	})
}

func (s *Server) handleSensorData(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	fromStr := c.Query("from")
	if fromStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is required"})
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
		return
	}

	var to *time.Time
	if toStr := c.Query("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to = &t
	}

	s.withClone(c, func(ctx context.Context, repo *repository.Repository) {
		data, err := repo.SensorData(ctx, id, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sensor_id":    id,
			"count":        len(data),
			"measurements": data,
		})
	})
}
