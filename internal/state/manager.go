package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// ErrImageNotFound is returned when an image record does not exist
var ErrImageNotFound = errors.New("image not found")

// Image is a persisted motion snapshot
type Image struct {
	ID        int64
	Timestamp time.Time
	Filename  string
	Data      []byte
	UploadURL string // empty until the upload succeeded
	Width     int
	Height    int
}

// ImageSummary is an image listing row without the pixel data
type ImageSummary struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Filename   string    `json:"filename"`
	UploadURL  string    `json:"s3_url,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	AlertCount int       `json:"alert_count"`
}

// Alert is a security alert raised for an image
type Alert struct {
	ID         int64     `json:"id"`
	ImageID    int64     `json:"image_id"`
	Type       string    `json:"alert_type"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Notified   bool      `json:"notified"`
}

// Manager persists images and their security alerts
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the image database configured in guard.storage.db_path
func NewManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(cfg.Guard.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Ping checks that the database is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.GetDB().PingContext(ctx)
}

// Persist stores an encoded snapshot and returns its record id
func (m *Manager) Persist(ctx context.Context, filename string, data []byte, width, height int, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO images (timestamp, filename, image_data, width, height)
		VALUES (?, ?, ?, ?, ?)
	`

	res, err := m.db.GetDB().ExecContext(ctx, query, ts.UTC(), filename, data, width, height)
	if err != nil {
		return 0, fmt.Errorf("failed to persist image: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read image id: %w", err)
	}

	m.logger.Debug("Image persisted", "image_id", id, "filename", filename, "bytes", len(data))
	return id, nil
}

// SetUploadURL records the object storage URL of an image
func (m *Manager) SetUploadURL(ctx context.Context, imageID int64, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx, `UPDATE images SET s3_url = ? WHERE id = ?`, url, imageID)
	if err != nil {
		return fmt.Errorf("failed to set upload url: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrImageNotFound
	}
	return nil
}

// AppendAlert adds a security alert to an image
func (m *Manager) AppendAlert(ctx context.Context, imageID int64, alertType string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO security_alerts (image_id, alert_type, confidence, timestamp, notified)
		VALUES (?, ?, ?, ?, 0)
	`

	if _, err := m.db.GetDB().ExecContext(ctx, query, imageID, alertType, confidence, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

// MarkAlertsNotified flags every alert of an image as notified
func (m *Manager) MarkAlertsNotified(ctx context.Context, imageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.GetDB().ExecContext(ctx, `UPDATE security_alerts SET notified = 1 WHERE image_id = ?`, imageID); err != nil {
		return fmt.Errorf("failed to mark alerts notified: %w", err)
	}
	return nil
}

// GetImage returns an image including its encoded data
func (m *Manager) GetImage(ctx context.Context, imageID int64) (*Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT id, timestamp, filename, image_data, s3_url, width, height
		FROM images WHERE id = ?
	`

	var img Image
	var url sql.NullString
	err := m.db.GetDB().QueryRowContext(ctx, query, imageID).Scan(
		&img.ID, &img.Timestamp, &img.Filename, &img.Data, &url, &img.Width, &img.Height,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	img.UploadURL = url.String
	return &img, nil
}

// GetImageWithAlerts returns image metadata without data, plus its alerts
func (m *Manager) GetImageWithAlerts(ctx context.Context, imageID int64) (*ImageSummary, []Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT id, timestamp, filename, s3_url, width, height
		FROM images WHERE id = ?
	`

	var img ImageSummary
	var url sql.NullString
	err := m.db.GetDB().QueryRowContext(ctx, query, imageID).Scan(
		&img.ID, &img.Timestamp, &img.Filename, &url, &img.Width, &img.Height,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrImageNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get image: %w", err)
	}
	img.UploadURL = url.String

	alerts, err := m.alertsFor(ctx, imageID)
	if err != nil {
		return nil, nil, err
	}
	img.AlertCount = len(alerts)
	return &img, alerts, nil
}

func (m *Manager) alertsFor(ctx context.Context, imageID int64) ([]Alert, error) {
	query := `
		SELECT id, image_id, alert_type, confidence, timestamp, notified
		FROM security_alerts WHERE image_id = ?
		ORDER BY id ASC
	`

	rows, err := m.db.GetDB().QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.ImageID, &a.Type, &a.Confidence, &a.Timestamp, &a.Notified); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// RecentImages lists the newest images first with their alert counts
func (m *Manager) RecentImages(ctx context.Context, limit int) ([]ImageSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT i.id, i.timestamp, i.filename, i.s3_url, i.width, i.height,
			(SELECT COUNT(*) FROM security_alerts a WHERE a.image_id = i.id)
		FROM images i
		ORDER BY i.timestamp DESC, i.id DESC
		LIMIT ?
	`

	rows, err := m.db.GetDB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	images := make([]ImageSummary, 0, limit)
	for rows.Next() {
		var img ImageSummary
		var url sql.NullString
		if err := rows.Scan(&img.ID, &img.Timestamp, &img.Filename, &url, &img.Width, &img.Height, &img.AlertCount); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		img.UploadURL = url.String
		images = append(images, img)
	}
	return images, rows.Err()
}

// CleanupOlderThan deletes images (and, by cascade, their alerts) captured
// more than days ago. It returns the number of deleted images.
func (m *Manager) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	return m.CleanupBefore(ctx, time.Now().AddDate(0, 0, -days))
}

// CleanupBefore deletes images captured before cutoff
func (m *Manager) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM images WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup images: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted images: %w", err)
	}
	if n > 0 {
		m.logger.Info("Old images removed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
