// Package api serves the positioning pipeline over HTTP: anchor setup,
// position queries, mode toggling and a websocket position stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/logx"
	"github.com/beacontrack/beacontrack/pkg/telem"
)

// Positioner is the aggregator as seen by the API
type Positioner interface {
	Configure(anchors []pkg.AnchorConfig, exponent float64) (pkg.Session, error)
	Query() (pkg.PositionEstimate, error)
	Snapshot() (pkg.SessionSnapshot, bool)
	IngestPayload(anchorID string, payload []byte) error
}

// ModePublisher forwards mode changes to the anchors
type ModePublisher interface {
	PublishMode(payload interface{}) error
}

// EventSource exposes the event journal
type EventSource interface {
	Recent(limit int) []telem.Event
}

// Config holds API settings
type Config struct {
	Port             int
	PushInterval     time.Duration
	PathLossExponent float64
}

// Server is the HTTP API
type Server struct {
	cfg    Config
	pos    Positioner
	modes  ModePublisher
	events EventSource
	logger *logx.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the API. modes may be nil.
func NewServer(cfg Config, pos Positioner, modes ModePublisher, logger *logx.Logger) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = time.Second
	}
	if cfg.PathLossExponent <= 0 {
		cfg.PathLossExponent = pkg.DefaultPathLossExponent
	}

	s := &Server{
		cfg:    cfg,
		pos:    pos,
		modes:  modes,
		logger: logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors())
	r.POST("/anchors", s.handleAnchors)
	r.GET("/anchors", s.handleGetAnchors)
	r.GET("/trilaterate", s.handleTrilaterate)
	r.POST("/toggle_mode", s.handleToggleMode)
	r.POST("/samples", s.handleSample)
	r.GET("/ws", s.handleWebSocket)
	r.GET("/events", s.handleEvents)
	s.engine = r

	return s
}

// WithEvents serves src on GET /events
func (s *Server) WithEvents(src EventSource) *Server {
	s.events = src
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// flexNumber accepts a JSON number or a string holding one
type flexNumber string

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = flexNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected a number, got %s", b)
	}
	*n = flexNumber(num)
	return nil
}

// AnchorsRequest configures the anchor set
type AnchorsRequest struct {
	Num              flexNumber  `json:"num"`
	Positions        [][]float64 `json:"positions"`
	Powers           []float64   `json:"powers,omitempty"`
	IDs              []string    `json:"ids,omitempty"`
	PathLossExponent *float64    `json:"path_loss_exponent,omitempty"`
}

func (r *AnchorsRequest) anchors() ([]pkg.AnchorConfig, error) {
	if r.Num == "" || r.Positions == nil {
		return nil, errors.New("missing 'num' or 'positions' in JSON data")
	}
	n, err := strconv.Atoi(string(r.Num))
	if err != nil {
		return nil, errors.New("'num' must be an integer")
	}
	if n < pkg.MinAnchors || n > pkg.MaxAnchors {
		return nil, fmt.Errorf("number of anchors must be between %d and %d", pkg.MinAnchors, pkg.MaxAnchors)
	}
	if len(r.Positions) != n {
		return nil, fmt.Errorf("'positions' must be a list of %d elements", n)
	}
	if r.Powers != nil && len(r.Powers) != n {
		return nil, fmt.Errorf("'powers' must be a list of %d elements", n)
	}
	if r.IDs != nil && len(r.IDs) != n {
		return nil, fmt.Errorf("'ids' must be a list of %d elements", n)
	}

	out := make([]pkg.AnchorConfig, n)
	for i, p := range r.Positions {
		if len(p) != 2 {
			return nil, fmt.Errorf("position %d must be a list of two numbers [x, y]", i)
		}
		out[i] = pkg.AnchorConfig{
			ID:             strconv.Itoa(i + 1),
			Position:       pkg.Point{X: p[0], Y: p[1]},
			ReferencePower: pkg.DefaultReferencePower,
		}
		if r.Powers != nil {
			out[i].ReferencePower = r.Powers[i]
		}
		if r.IDs != nil {
			out[i].ID = r.IDs[i]
		}
	}
	return out, nil
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "error": msg})
}

func (s *Server) handleAnchors(c *gin.Context) {
	var req AnchorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON data: "+err.Error())
		return
	}
	anchors, err := req.anchors()
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	exponent := s.cfg.PathLossExponent
	if req.PathLossExponent != nil {
		exponent = *req.PathLossExponent
	}

	session, err := s.pos.Configure(anchors, exponent)
	if errors.Is(err, pkg.ErrInvalidConfig) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Anchor configuration failed", "error", err)
		fail(c, http.StatusInternalServerError, "An internal server error occurred")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    fmt.Sprintf("%d anchors configured.", len(anchors)),
		"session_id": session.ID,
	})
}

func (s *Server) handleGetAnchors(c *gin.Context) {
	snap, ok := s.pos.Snapshot()
	if !ok {
		fail(c, http.StatusNotFound, "Anchors not set up yet.")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// positionMessage is the body of /trilaterate and of websocket pushes
type positionMessage struct {
	Position  []float64 `json:"position"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) position() (positionMessage, int) {
	est, err := s.pos.Query()
	switch {
	case err == nil:
		return positionMessage{Position: []float64{est.X, est.Y}, SessionID: est.SessionID}, http.StatusOK
	case errors.Is(err, pkg.ErrNotReady):
		return positionMessage{Error: err.Error()}, http.StatusBadRequest
	default:
		s.logger.Error("Position query failed", "error", err)
		return positionMessage{Error: "An internal server error occurred during trilateration."}, http.StatusInternalServerError
	}
}

func (s *Server) handleTrilaterate(c *gin.Context) {
	msg, code := s.position()
	c.JSON(code, msg)
}

func (s *Server) handleToggleMode(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 || !json.Valid(body) || string(body) == "null" {
		fail(c, http.StatusBadRequest, "No JSON data provided")
		return
	}
	if s.modes == nil {
		fail(c, http.StatusServiceUnavailable, "Mode publishing is not available")
		return
	}
	if err := s.modes.PublishMode(json.RawMessage(body)); err != nil {
		s.logger.Error("Failed to publish mode", "error", err)
		fail(c, http.StatusInternalServerError, "Failed to publish message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Data published to 'mode' topic."})
}

// SampleRequest is an RSSI report posted over HTTP
type SampleRequest struct {
	AnchorID string          `json:"anchor_id" binding:"required"`
	RSSI     json.RawMessage `json:"rssi" binding:"required"`
}

func (s *Server) handleSample(c *gin.Context) {
	var req SampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid sample: "+err.Error())
		return
	}

	payload := []byte(req.RSSI)
	var text string
	if err := json.Unmarshal(req.RSSI, &text); err == nil {
		payload = []byte(text)
	}

	if err := s.pos.IngestPayload(req.AnchorID, payload); err != nil {
		if errors.Is(err, pkg.ErrMalformedSample) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Sample ingest failed", "anchor", req.AnchorID, "error", err)
		fail(c, http.StatusInternalServerError, "An internal server error occurred")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// handleWebSocket pushes a position message every PushInterval until the
// client goes away
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	s.logger.Debug("Websocket client connected", "remote", c.Request.RemoteAddr)

	// the read loop only notices the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		msg, _ := s.position()
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteJSON(msg); err != nil {
			s.logger.Debug("Websocket client gone", "error", err)
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		fail(c, http.StatusNotFound, "event journal disabled")
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.events.Recent(limit)})
}
