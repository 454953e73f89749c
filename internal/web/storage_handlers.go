package web

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/notify"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/storage"
)

const timestampLayout = "2006-01-02 15:04:05"

// handleCleanup deletes images older than ?days (default 30)
func (s *Server) handleCleanup(c *gin.Context) {
	if s.images == nil {
		fail(c, http.StatusServiceUnavailable, "Database not available")
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 0 {
		fail(c, http.StatusBadRequest, "days must be a non-negative integer")
		return
	}

	deleted, err := s.images.CleanupOlderThan(c.Request.Context(), days)
	if err != nil {
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Error cleaning up database: %v", err))
		return
	}

	s.LogInfo("Database cleanup", "days", days, "deleted", deleted)
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted_count": deleted})
}

// handleListImages lists the most recent images, ?limit (default 10)
func (s *Server) handleListImages(c *gin.Context) {
	if s.images == nil {
		fail(c, http.StatusServiceUnavailable, "Database not available")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	images, err := s.images.RecentImages(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Error retrieving images: %v", err))
		return
	}

	resp := make([]gin.H, 0, len(images))
	for _, img := range images {
		resp = append(resp, imageToJSON(img))
	}
	c.JSON(http.StatusOK, gin.H{"images": resp})
}

// handleGetImage returns image metadata and its alerts
func (s *Server) handleGetImage(c *gin.Context) {
	id, ok := s.imageID(c)
	if !ok {
		return
	}

	img, alerts, err := s.images.GetImageWithAlerts(c.Request.Context(), id)
	if err != nil {
		s.imageError(c, err)
		return
	}

	alertResp := make([]gin.H, 0, len(alerts))
	for _, a := range alerts {
		alertResp = append(alertResp, gin.H{
			"id":         a.ID,
			"alert_type": a.Type,
			"confidence": a.Confidence,
			"timestamp":  a.Timestamp.Local().Format(timestampLayout),
			"notified":   a.Notified,
		})
	}

	resp := imageToJSON(*img)
	resp["alerts"] = alertResp
	c.JSON(http.StatusOK, resp)
}

// handleGetImageData returns the stored JPEG
func (s *Server) handleGetImageData(c *gin.Context) {
	id, ok := s.imageID(c)
	if !ok {
		return
	}

	img, err := s.images.GetImage(c.Request.Context(), id)
	if err != nil {
		s.imageError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", img.Filename))
	c.Data(http.StatusOK, "image/jpeg", img.Data)
}

func (s *Server) imageID(c *gin.Context) (int64, bool) {
	if s.images == nil {
		fail(c, http.StatusServiceUnavailable, "Database not available")
		return 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "Invalid image id")
		return 0, false
	}
	return id, true
}

func (s *Server) imageError(c *gin.Context, err error) {
	if errors.Is(err, state.ErrImageNotFound) {
		fail(c, http.StatusNotFound, "Image not found")
		return
	}
	fail(c, http.StatusInternalServerError, fmt.Sprintf("Error retrieving image: %v", err))
}

func imageToJSON(img state.ImageSummary) gin.H {
	return gin.H{
		"id":          img.ID,
		"timestamp":   img.Timestamp.Local().Format(timestampLayout),
		"filename":    img.Filename,
		"s3_url":      img.UploadURL,
		"width":       img.Width,
		"height":      img.Height,
		"alert_count": img.AlertCount,
	}
}

// handleGetObject serves a presigned object download
func (s *Server) handleGetObject(c *gin.Context) {
	if s.objects == nil {
		fail(c, http.StatusServiceUnavailable, "Object storage not available")
		return
	}

	key := c.Param("key")
	f, err := s.objects.Open(c.Param("bucket"), key, c.Query("expires"), c.Query("signature"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidSignature), errors.Is(err, storage.ErrExpired):
			fail(c, http.StatusForbidden, err.Error())
		case errors.Is(err, storage.ErrObjectNotFound):
			fail(c, http.StatusNotFound, "Object not found")
		default:
			fail(c, http.StatusInternalServerError, "Failed to open object")
		}
		return
	}
	defer f.Close()

	modTime := time.Time{}
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}
	http.ServeContent(c.Writer, c.Request, path.Base(key), modTime, f)
}

// handleAnalyze uploads a base64 image and returns its label analysis
func (s *Server) handleAnalyze(c *gin.Context) {
	if s.objects == nil || s.analyzer == nil {
		fail(c, http.StatusServiceUnavailable, "Analysis not available")
		return
	}

	var req struct {
		ImageData string `json:"image_data" binding:"required"`
		Filename  string `json:"filename" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	data, err := decodeImage(req.ImageData)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid image data")
		return
	}

	url, err := s.objects.Upload(c.Request.Context(), data, storage.NewObjectKey(req.Filename))
	if err != nil {
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Failed to upload image: %v", err))
		return
	}

	result, err := s.analyzer.Analyze(c.Request.Context(), url)
	if err != nil {
		fail(c, http.StatusBadGateway, fmt.Sprintf("Error analyzing image: %v", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"s3_url":          url,
		"labels":          result.Labels,
		"security_alerts": result.SecurityAlerts,
	})
}

// handleNotify sends an ad hoc notification, optionally with an image
func (s *Server) handleNotify(c *gin.Context) {
	if s.notifier == nil {
		fail(c, http.StatusServiceUnavailable, "Notifications not available")
		return
	}

	var req struct {
		RecipientEmail string `json:"recipient_email"`
		Subject        string `json:"subject"`
		Message        string `json:"message" binding:"required"`
		ImageData      string `json:"image_data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	msg := notify.Message{
		To:      req.RecipientEmail,
		Subject: req.Subject,
		Body:    req.Message,
	}
	if msg.To == "" {
		msg.To = s.notifier.DefaultRecipient()
	}
	if msg.To == "" {
		fail(c, http.StatusBadRequest, "recipient_email is required")
		return
	}
	if msg.Subject == "" {
		msg.Subject = pipeline.AlertSubject
	}
	if req.ImageData != "" {
		data, err := decodeImage(req.ImageData)
		if err != nil {
			fail(c, http.StatusBadRequest, "Invalid image data")
			return
		}
		msg.Attachment = data
		msg.AttachmentName = fmt.Sprintf("notification_%d.jpg", time.Now().Unix())
	}

	if err := s.notifier.Send(c.Request.Context(), msg); err != nil {
		if errors.Is(err, notify.ErrNotConfigured) {
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Error sending notification: %v", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// decodeImage decodes base64 input and checks that it is an image
func decodeImage(b64 string) ([]byte, error) {
	data, err := decodeBase64Image(b64)
	if err != nil {
		return nil, err
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("not an image: %w", err)
	}
	return data, nil
}
