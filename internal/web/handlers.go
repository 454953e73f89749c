package web

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// handleHealth runs the health checks. Degraded still answers 200.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":  health.StatusHealthy,
			"service": "web-server",
		})
		return
	}

	report := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}

	if s.camera != nil {
		st := s.camera.Status()
		cam := gin.H{
			"state": st.State,
			"since": st.Since.Format(time.RFC3339),
		}
		if st.Err != nil {
			cam["error"] = st.Err.Error()
		}
		resp["camera"] = cam
	}

	if s.pipeline != nil {
		p := gin.H{"busy": s.pipeline.Busy()}
		if run, ok := s.pipeline.LastRun(); ok {
			p["last_run"] = run
		}
		resp["pipeline"] = p
	}

	c.JSON(http.StatusOK, resp)
}

// handleCameraControl starts or stops monitoring
func (s *Server) handleCameraControl(c *gin.Context) {
	if s.camera == nil {
		fail(c, http.StatusServiceUnavailable, "Camera not available")
		return
	}

	var req struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	var (
		err     error
		message string
	)
	switch req.Action {
	case "start":
		err = s.camera.StartMonitoring(c.Request.Context())
		message = "Camera monitoring started"
	case "stop":
		err = s.camera.StopMonitoring(c.Request.Context())
		message = "Camera monitoring stopped"
	default:
		fail(c, http.StatusBadRequest, "Invalid action. Use 'start' or 'stop'")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, camera.ErrAlreadyRunning), errors.Is(err, camera.ErrNotRunning):
			fail(c, http.StatusConflict, err.Error())
		case errors.Is(err, camera.ErrDeviceUnavailable):
			fail(c, http.StatusServiceUnavailable, err.Error())
		default:
			fail(c, http.StatusInternalServerError, fmt.Sprintf("Error controlling camera: %v", err))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"state":   s.camera.Status().State,
	})
}

// handleGetFrame returns the latest annotated frame as base64 JPEG
func (s *Server) handleGetFrame(c *gin.Context) {
	if s.camera == nil {
		fail(c, http.StatusServiceUnavailable, "Camera not available")
		return
	}

	frame, err := s.camera.CurrentFrame()
	if err != nil {
		if errors.Is(err, video.ErrNoFrame) {
			fail(c, http.StatusNotFound, "No frame available")
			return
		}
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Error getting camera frame: %v", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"frame":   base64.StdEncoding.EncodeToString(frame),
		"state":   s.camera.Status().State,
	})
}

// handleMJPEGStream serves the live view until the client disconnects
func (s *Server) handleMJPEGStream(c *gin.Context) {
	if s.live == nil {
		fail(c, http.StatusServiceUnavailable, "Streaming not available")
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	s.live.ServeHTTP(c.Writer, c.Request)
}

// decodeBase64Image accepts raw base64 or a data URL
func decodeBase64Image(base64Str string) ([]byte, error) {
	if i := strings.Index(base64Str, ","); i >= 0 && strings.HasPrefix(base64Str, "data:") {
		base64Str = base64Str[i+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(base64Str)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return decoded, nil
}
