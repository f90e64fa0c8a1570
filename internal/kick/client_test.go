package kick

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep() ClientOption {
	return withSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func TestSendCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/signup/send/email", r.URL.Path)
		require.Equal(t, "cd-token", r.Header.Get("X-Kpsdk-Cd"))
		require.Equal(t, "https://kick.com", r.Header.Get("Origin"))

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		require.Equal(t, "a@example.com", payload["email"])
		require.Equal(t, true, payload["agreed_to_terms"])

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	err := c.SendCode(context.Background(), map[string]string{"x-kpsdk-cd": "cd-token"}, "a@example.com")
	require.NoError(t, err)
}

func TestVerifyCodeReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/signup/verify/email", r.URL.Path)
		_, _ = w.Write([]byte(`{"token":"tok-99"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	token, err := c.VerifyCode(context.Background(), nil, "a@example.com", "123456")
	require.NoError(t, err)
	require.Equal(t, "tok-99", token)
}

func TestVerifyCodeMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	_, err := c.VerifyCode(context.Background(), nil, "a@example.com", "123456")
	require.ErrorContains(t, err, "missing token")
}

func TestRegisterAcceptsCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/signup/register", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42,"username":"streamfan01"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	payload, err := c.Register(context.Background(), nil, RegisterRequest{
		Email:             "a@example.com",
		Username:          "streamfan01",
		Password:          "pw",
		Birthdate:         "2000-01-15",
		VerificationToken: "tok",
	})
	require.NoError(t, err)
	require.Contains(t, string(payload), "streamfan01")
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"username taken"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	err := c.SendCode(context.Background(), nil, "a@example.com")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.EqualValues(t, 1, calls.Load())
}

func TestServerErrorRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	token, err := c.VerifyCode(context.Background(), nil, "a@example.com", "123456")
	require.NoError(t, err)
	require.Equal(t, "tok", token)
	require.EqualValues(t, 3, calls.Load())
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noSleep())
	err := c.SendCode(context.Background(), nil, "a@example.com")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.EqualValues(t, 3, calls.Load())
}

func TestTransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	srv.Close() // refuse all connections

	c := NewClient(srv.URL, noSleep())
	err := c.SendCode(context.Background(), nil, "a@example.com")
	require.Error(t, err)
	require.False(t, errors.As(err, new(*APIError)))
}

func TestSendCodeURL(t *testing.T) {
	c := NewClient("https://kick.com/api/", noSleep())
	require.Equal(t, "https://kick.com/api/v1/signup/send/email", c.SendCodeURL())
}
