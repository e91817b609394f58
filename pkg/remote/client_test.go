package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guido-cesarano/broadcastq/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/credentials/verify", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"id":"1"}`))
		case "Bearer slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("/v1/destinations/{dest}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.Header.Get("Authorization") {
		case "Bearer good":
			assert.Equal(t, "room 1", r.PathValue("dest"))
			assert.Equal(t, "hello", body["message"])
			w.Write([]byte(`{"id":"m1"}`))
		case "Bearer limited":
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit reached"}}`))
		default:
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`forbidden`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestValidate(t *testing.T) {
	srv := newTestService(t)
	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	ok, err := c.Validate(ctx, "good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Validate(ctx, "revoked")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateTimeoutIsNotValid(t *testing.T) {
	srv := newTestService(t)
	c := NewClient(srv.URL, WithTimeouts(20*time.Millisecond, 0))

	ok, err := c.Validate(context.Background(), "slow")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.False(t, tasks.IsDispatchError(err))
}

func TestDispatch(t *testing.T) {
	srv := newTestService(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, "room 1", "good", "hello"))

	err := c.Dispatch(ctx, "room 1", "limited", "hello")
	var de *tasks.DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusTooManyRequests, de.StatusCode)
	assert.Equal(t, "rate limit reached", de.Reason)

	err = c.Dispatch(ctx, "room 1", "other", "hello")
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusForbidden, de.StatusCode)
	assert.Equal(t, "Unknown error", de.Reason)
}

func TestDispatchTransportError(t *testing.T) {
	srv := newTestService(t)
	c := NewClient(srv.URL)
	srv.Close()

	err := c.Dispatch(context.Background(), "room", "good", "hello")
	require.Error(t, err)
	assert.False(t, tasks.IsDispatchError(err))
}
