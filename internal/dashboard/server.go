package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"depthflow/config"
	"depthflow/internal/heatmap"
	"depthflow/internal/metrics"
	"depthflow/internal/view"
	"depthflow/logger"
	"depthflow/processor"
)

// Heatmaps is the aggregation surface the dashboard queries. Satisfied by
// *processor.Aggregator.
type Heatmaps interface {
	Instruments() []string
	Camera() view.Camera
	Stats() map[string]processor.InstrumentStats
	Window(key string, camera *view.Camera, viewportW, viewportH float32) *view.Window
	CellView(key string, w *view.Window) (heatmap.CellView, bool, error)
	Rects(key string, w *view.Window) ([]heatmap.DepthRect, error)
	MaxQty(key string, w *view.Window) float32
}

// Server hosts the JSON monitoring and debug API over the aggregated heatmap
// state.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	heatmaps        Heatmaps
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer constructs the dashboard server when the feature is enabled. When
// the dashboard is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, heatmaps Heatmaps) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricHistory <= 0 {
		cfg.MetricHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		heatmaps:        heatmaps,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricHistory, cfg.RefreshInterval, log),
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/instruments", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"instruments": s.heatmaps.Instruments()})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"instruments": s.heatmaps.Stats()})
	})

	router.GET("/api/window", s.handleWindow)
	router.GET("/api/cells", s.handleCells)

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

// resolveWindow parses camera and viewport query parameters and computes the
// instrument's window. errors out through the gin context.
func (s *Server) resolveWindow(c *gin.Context) (string, *view.Window, bool) {
	key := c.Query("instrument")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument query parameter is required"})
		return "", nil, false
	}

	camera := s.heatmaps.Camera()
	camera.Scale[0] = queryFloat(c, "scale_x", camera.Scale[0])
	camera.Scale[1] = queryFloat(c, "scale_y", camera.Scale[1])
	camera.Offset[0] = queryFloat(c, "offset_x", camera.Offset[0])
	camera.Offset[1] = queryFloat(c, "offset_y", camera.Offset[1])

	viewportW := queryFloat(c, "w", 1280)
	viewportH := queryFloat(c, "h", 720)

	w := s.heatmaps.Window(key, &camera, viewportW, viewportH)
	if w == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no visible window for instrument " + key})
		return "", nil, false
	}
	return key, w, true
}

func (s *Server) handleWindow(c *gin.Context) {
	key, w, ok := s.resolveWindow(c)
	if !ok {
		return
	}

	rects, err := s.heatmaps.Rects(key, w)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instrument": key,
		"window":     w,
		"rects":      rects,
		"max_qty":    s.heatmaps.MaxQty(key, w),
	})
}

func (s *Server) handleCells(c *gin.Context) {
	key, w, ok := s.resolveWindow(c)
	if !ok {
		return
	}

	cells, rebuilt, err := s.heatmaps.CellView(key, w)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instrument": key,
		"window":     w,
		"cells":      cells,
		"rebuilt":    rebuilt,
	})
}

func queryFloat(c *gin.Context, name string, def float32) float32 {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return def
	}
	return float32(v)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	// Bare IPv6 literals like "::1" start with a colon too, so they must be
	// recognized before the ":port" shorthand.
	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 {
		return "0.0.0.0" + addr
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
