package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(&Config{
		BaseURL:      server.URL + "/",
		ServiceToken: "service-secret",
		Timeout:      time.Second,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func strPtr(s string) *string { return &s }

func TestClient_UpdateStatus(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotToken  string
		gotType   string
		gotBody   map[string]interface{}
	)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotToken = r.Header.Get(ServiceTokenHeader)
		gotType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"job_id":"j1"}`))
	})

	err := client.UpdateStatus(context.Background(), domain.StatusUpdate{
		JobID:  "0b6e4a8e-9b0f-4a55-9d3c-1a1e2f3a4b5c",
		UserID: "user-1",
		Status: "COMPLETED",
		Result: strPtr("olleh"),
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/internal/v1/jobs/0b6e4a8e-9b0f-4a55-9d3c-1a1e2f3a4b5c/status", gotPath)
	assert.Equal(t, "service-secret", gotToken)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, map[string]interface{}{
		"user_id": "user-1",
		"status":  "COMPLETED",
		"result":  "olleh",
	}, gotBody)
}

func TestClient_UpdateStatus_OmitsEmptyFields(t *testing.T) {
	var raw map[string]json.RawMessage
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.UpdateStatus(context.Background(), domain.StatusUpdate{
		JobID: "j1", UserID: "u1", Status: "INPROGRESS",
	}))

	assert.NotContains(t, raw, "result")
	assert.NotContains(t, raw, "error")
	assert.NotContains(t, raw, "JobID")
}

func TestClient_UpdateStatus_Failures(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTemporary bool
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"error":"job not found"}`, wantTemporary: false},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid payload"}`, wantTemporary: false},
		{name: "forbidden", status: http.StatusForbidden, body: `{"error":"Invalid token"}`, wantTemporary: false},
		{name: "rate limited", status: http.StatusTooManyRequests, body: ``, wantTemporary: true},
		{name: "server error", status: http.StatusInternalServerError, body: `boom`, wantTemporary: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := client.UpdateStatus(context.Background(), domain.StatusUpdate{
				JobID: "j1", UserID: "u1", Status: "FAILED", Error: strPtr("payload must be a number"),
			})
			require.Error(t, err)

			var reportErr *domain.ReportError
			require.True(t, errors.As(err, &reportErr))
			assert.Equal(t, tt.status, reportErr.StatusCode)
			assert.Equal(t, "j1", reportErr.JobID)
			assert.Equal(t, "FAILED", reportErr.Status)
			assert.Equal(t, tt.wantTemporary, reportErr.Temporary())
			if tt.body != "" {
				assert.Contains(t, err.Error(), tt.body)
			}
		})
	}
}

func TestClient_UpdateStatus_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := NewClient(&Config{BaseURL: baseURL, ServiceToken: "t"}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := client.UpdateStatus(context.Background(), domain.StatusUpdate{JobID: "j1", UserID: "u1", Status: "INPROGRESS"})
	require.Error(t, err)

	var reportErr *domain.ReportError
	require.True(t, errors.As(err, &reportErr))
	assert.Zero(t, reportErr.StatusCode)
	assert.True(t, reportErr.Temporary())
}

func TestClient_UpdateStatus_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.UpdateStatus(ctx, domain.StatusUpdate{JobID: "j1", UserID: "u1", Status: "INPROGRESS"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
