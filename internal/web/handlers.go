package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/storeguard/internal/camera"
	"github.com/vzahanych/storeguard/internal/probe"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
	"github.com/vzahanych/storeguard/internal/web/streaming"
)

const (
	mjpegBoundary    = "frame"
	maxProbeTimeout  = 60 * time.Second
	defaultAlertPage = 100
	maxAlertPage     = 1000
)

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}

// cameraError maps supervisor errors to HTTP statuses
func cameraError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		status = http.StatusNotFound
	case errors.Is(err, camera.ErrCameraExists):
		status = http.StatusConflict
	case errors.Is(err, camera.ErrSourceUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, camera.ErrNoRegistry):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "web-server",
	})
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	health := "healthy"
	if st := s.ServiceBase.GetStatus().GetStatus(); st != service.StatusRunning {
		health = "unhealthy"
	}

	total, running := 0, 0
	if s.deps.Cameras != nil {
		for _, st := range s.deps.Cameras.GetAllStatus() {
			total++
			if st.Running {
				running++
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          health,
		"uptime":          uptime.String(),
		"uptime_seconds":  int64(uptime.Seconds()),
		"version":         s.version,
		"timestamp":       time.Now().Format(time.RFC3339),
		"cameras":         total,
		"cameras_running": running,
	})
}

func (s *Server) handleListCameras(c *gin.Context) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}
	cameras := s.deps.Cameras.GetAllStatus()
	c.JSON(http.StatusOK, gin.H{
		"cameras": cameras,
		"count":   len(cameras),
	})
}

func (s *Server) handleGetCamera(c *gin.Context) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}
	st, err := s.deps.Cameras.GetStatus(c.Param("id"))
	if err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleAddCamera registers a camera after verifying its source; start
// launches its worker right away
func (s *Server) handleAddCamera(c *gin.Context) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}

	var req struct {
		ID     string `json:"id" binding:"required"`
		Name   string `json:"name"`
		Source string `json:"source" binding:"required"`
		Zone   string `json:"zone"`
		Start  bool   `json:"start"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	cam := camera.Camera{ID: req.ID, Name: req.Name, Source: req.Source, Zone: req.Zone}
	if err := s.deps.Cameras.Register(ctx, cam); err != nil {
		cameraError(c, err)
		return
	}
	if req.Start {
		if err := s.deps.Cameras.StartCamera(ctx, req.ID); err != nil {
			cameraError(c, err)
			return
		}
	}

	st, err := s.deps.Cameras.GetStatus(req.ID)
	if err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleDeleteCamera(c *gin.Context) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}
	if err := s.deps.Cameras.RemoveCamera(c.Request.Context(), c.Param("id")); err != nil {
		cameraError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartCamera(c *gin.Context) {
	s.cameraAction(c, CameraService.StartCamera)
}

func (s *Server) handleStopCamera(c *gin.Context) {
	s.cameraAction(c, CameraService.StopCamera)
}

func (s *Server) cameraAction(c *gin.Context, action func(cs CameraService, ctx context.Context, id string) error) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}
	id := c.Param("id")
	if err := action(s.deps.Cameras, c.Request.Context(), id); err != nil {
		cameraError(c, err)
		return
	}
	st, err := s.deps.Cameras.GetStatus(id)
	if err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStartAll(c *gin.Context) {
	s.supervisorAction(c, CameraService.StartAll)
}

func (s *Server) handleStopAll(c *gin.Context) {
	s.supervisorAction(c, CameraService.StopAll)
}

func (s *Server) supervisorAction(c *gin.Context, action func(cs CameraService, ctx context.Context) error) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}
	err := action(s.deps.Cameras, c.Request.Context())
	cameras := s.deps.Cameras.GetAllStatus()
	if err != nil {
		c.JSON(http.StatusMultiStatus, gin.H{"error": err.Error(), "cameras": cameras})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras, "count": len(cameras)})
}

// handleSingleFrame returns the latest processed frame as JPEG
func (s *Server) handleSingleFrame(c *gin.Context) {
	if s.streams == nil {
		unavailable(c, "Streaming service")
		return
	}
	frame, err := s.streams.GetFrame(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", frame)
}

// handleMJPEGStream streams processed frames until the viewer disconnects
func (s *Server) handleMJPEGStream(c *gin.Context) {
	if s.streams == nil {
		unavailable(c, "Streaming service")
		return
	}
	id := c.Param("id")
	if _, err := s.deps.Cameras.GetStatus(id); err != nil {
		cameraError(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	frames := s.streams.Stream(ctx, id)

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		frame, ok := <-frames
		if !ok {
			return false
		}
		return streaming.WritePart(w, mjpegBoundary, frame) == nil
	})
}

func (s *Server) handleListAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		unavailable(c, "Alert store")
		return
	}

	filter := state.AlertFilter{
		CameraID:       c.Query("camera_id"),
		Type:           c.Query("type"),
		Unacknowledged: c.Query("unacknowledged") == "true",
		Limit:          defaultAlertPage,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		if n > maxAlertPage {
			n = maxAlertPage
		}
		filter.Limit = n
	}
	var err error
	if filter.Since, err = parseTimeQuery(c, "since"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.Until, err = parseTimeQuery(c, "until"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alerts, err := s.deps.Alerts.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		s.LogError("Failed to list alerts", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	if alerts == nil {
		alerts = []state.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(c *gin.Context) {
	if s.deps.Alerts == nil {
		unavailable(c, "Alert store")
		return
	}
	alert, err := s.deps.Alerts.GetAlert(c.Request.Context(), c.Param("id"))
	if errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.LogError("Failed to get alert", err, "alert_id", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert"})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	if s.deps.Alerts == nil {
		unavailable(c, "Alert store")
		return
	}

	var req struct {
		By string `json:"by"`
	}
	// an empty body acknowledges anonymously
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}

	id := c.Param("id")
	err := s.deps.Alerts.AcknowledgeAlert(c.Request.Context(), id, req.By)
	if errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.LogError("Failed to acknowledge alert", err, "alert_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to acknowledge alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true})
}

// analyticsRange reads camera_id, from and to; the range defaults to the
// last 24 hours
func analyticsRange(c *gin.Context) (string, time.Time, time.Time, error) {
	to, err := parseTimeQuery(c, "to")
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	if to.IsZero() {
		to = time.Now()
	}
	from, err := parseTimeQuery(c, "from")
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if from.After(to) {
		return "", time.Time{}, time.Time{}, fmt.Errorf("from must not be after to")
	}
	return c.Query("camera_id"), from, to, nil
}

func (s *Server) handleFootfall(c *gin.Context) {
	if s.deps.Analytics == nil {
		unavailable(c, "Analytics store")
		return
	}
	cameraID, from, to, err := analyticsRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.deps.Analytics.GetHourlyFootfall(c.Request.Context(), cameraID, from, to)
	if err != nil {
		s.LogError("Failed to query footfall", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query footfall"})
		return
	}

	total := 0
	for _, r := range rows {
		total += r.UniqueCount
	}
	if rows == nil {
		rows = []state.HourlyFootfall{}
	}
	c.JSON(http.StatusOK, gin.H{
		"footfall": rows,
		"total":    total,
		"from":     from.UTC().Format(time.RFC3339),
		"to":       to.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDemographics(c *gin.Context) {
	if s.deps.Analytics == nil {
		unavailable(c, "Analytics store")
		return
	}
	cameraID, from, to, err := analyticsRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.deps.Analytics.GetHourlyDemographics(c.Request.Context(), cameraID, from, to)
	if err != nil {
		s.LogError("Failed to query demographics", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query demographics"})
		return
	}

	totals := make(map[string]int)
	for _, r := range rows {
		for k, v := range r.Counts {
			totals[k] += v
		}
	}
	if rows == nil {
		rows = []state.HourlyDemographics{}
	}
	c.JSON(http.StatusOK, gin.H{
		"demographics": rows,
		"totals":       totals,
		"from":         from.UTC().Format(time.RFC3339),
		"to":           to.UTC().Format(time.RFC3339),
	})
}

// handleProbe diagnoses a locator before it is registered
func (s *Server) handleProbe(c *gin.Context) {
	if s.deps.Prober == nil {
		unavailable(c, "Stream probe")
		return
	}

	var req struct {
		URL            string  `json:"url" binding:"required"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	timeout := probe.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
	}
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}

	c.JSON(http.StatusOK, s.deps.Prober.Test(c.Request.Context(), req.URL, timeout))
}

func (s *Server) handleDiscovery(c *gin.Context) {
	if s.deps.Discoverer == nil {
		unavailable(c, "Camera discovery")
		return
	}
	found, err := s.deps.Discoverer.Discover(c.Request.Context())
	if err != nil {
		s.LogError("Camera discovery failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if found == nil {
		found = []camera.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{
		"discovered": found,
		"count":      len(found),
	})
}

func (s *Server) handleReloadIdentities(c *gin.Context) {
	if s.deps.Cameras == nil {
		unavailable(c, "Camera supervisor")
		return
	}
	summary, err := s.deps.Cameras.ReloadIdentities(c.Request.Context())
	if err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": s.logger.Level()})
}

// handleSetLogLevel changes the level of every logger derived from the
// server's root logger
func (s *Server) handleSetLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := s.logger.SetLevel(req.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Log level changed", "level", req.Level)
	c.JSON(http.StatusOK, gin.H{"level": s.logger.Level()})
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 time", name)
	}
	return t, nil
}
