package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/queue"
)

func TestNewRejectsInvalidURL(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://example.com", "http://", "::"} {
		_, err := New(endpoint)
		assert.ErrorIs(t, err, ErrInvalidURL, endpoint)
	}
}

func TestPublish(t *testing.T) {
	var (
		gotBody        string
		gotTopic       string
		gotContentType string
		gotAuth        string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotTopic = r.Header.Get(TopicHeader)
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p, err := New(srv.URL+"/ingest", WithHeader("Authorization", "Bearer secret"), WithTimeout(time.Second))
	require.NoError(t, err)

	payload := `{"instance":"attic","quantity":"humidity","value":55.2}`
	require.NoError(t, p.Publish(context.Background(), "sensor/attic/humidity", []byte(payload)))
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "sensor/attic/humidity", gotTopic)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Bearer secret", gotAuth)

	require.NoError(t, p.Publish(context.Background(), "status/attic", []byte("online")))
	assert.Equal(t, "text/plain; charset=utf-8", gotContentType)
}

func TestPublishHTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p, err := New(srv.URL)
			require.NoError(t, err)

			err = p.Publish(context.Background(), "status/attic", []byte("online"))
			var he *HTTPError
			require.True(t, errors.As(err, &he), "got %v", err)
			assert.Equal(t, tt.status, he.StatusCode)
			assert.Contains(t, he.Message, "nope")

			var re queue.RetryableError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.retryable, re.IsRetryable())
		})
	}
}
