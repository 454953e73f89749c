package analysis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(ClientConfig{
		ServiceURL:    server.URL + "/",
		Timeout:       5 * time.Second,
		MinConfidence: 75,
		MaxLabels:     10,
	}, nil)
}

func TestClient_Analyze(t *testing.T) {
	var got LabelsRequest
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/labels", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(LabelsResponse{Labels: []Label{
			{Name: "Person", Confidence: 98.5},
			{Name: "Tree", Confidence: 91.0},
			{Name: "Car", Confidence: 80.25},
		}})
	})

	result, err := client.Analyze(context.Background(), "http://objects/img.jpg")
	require.NoError(t, err)

	assert.Equal(t, "http://objects/img.jpg", got.ImageURL)
	assert.Equal(t, 10, got.MaxLabels)
	assert.Equal(t, 75.0, got.MinConfidence)

	assert.Len(t, result.Labels, 3)
	assert.Equal(t, []SecurityAlert{
		{Type: "Person detected", Confidence: 98.5},
		{Type: "Vehicle detected", Confidence: 80.25},
	}, result.SecurityAlerts)
}

func TestClient_Analyze_ServiceError(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.Analyze(context.Background(), "http://objects/img.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestClient_Analyze_BadJSON(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})

	_, err := client.Analyze(context.Background(), "http://objects/img.jpg")
	assert.Error(t, err)
}

func TestClient_Analyze_RequiresURL(t *testing.T) {
	client := NewClient(ClientConfig{ServiceURL: "http://127.0.0.1:1"}, nil)
	_, err := client.Analyze(context.Background(), "")
	assert.Error(t, err)
}

func TestClient_Analyze_ContextCancelled(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Analyze(ctx, "http://objects/img.jpg")
	assert.Error(t, err)
}

func TestClient_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/ready", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	assert.NoError(t, client.HealthCheck(context.Background()))
	healthy.Store(false)
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestSecurityCategory(t *testing.T) {
	cases := map[string]string{
		"person":     "Person detected",
		"HUMAN":      "Person detected",
		"Face":       "Face detected",
		"Bicycle":    "Vehicle detected",
		"knife":      "Weapon detected",
		"Backpack":   "Package detected",
		"mask":       "Person wearing mask",
		"Helmet":     "Person wearing helmet",
		"uniform":    "Person in uniform",
		"Police":     "Police officer detected",
		"security":   "Security personnel detected",
		" suitcase ": "Package detected",
	}
	for label, want := range cases {
		got, ok := SecurityCategory(label)
		assert.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}

	_, ok := SecurityCategory("Person Walking")
	assert.False(t, ok, "matching is exact, not substring")
	_, ok = SecurityCategory("dog")
	assert.False(t, ok)
}

func TestSecurityAlerts_Empty(t *testing.T) {
	assert.Empty(t, SecurityAlerts([]Label{{Name: "Tree", Confidence: 99}}))
	assert.Empty(t, SecurityAlerts(nil))
}
