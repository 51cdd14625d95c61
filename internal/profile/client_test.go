package profile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
)

func TestFetchUnwrapsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, r.URL.Path == "/api/user/u%201" || r.URL.Path == "/api/user/u 1")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"firstName":"Ada","skills":["go"]}}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, 0, zerolog.Nop())
	p, err := c.Fetch(context.Background(), srv.URL+"/", "u 1")
	assert.NilError(t, err)
	assert.Equal(t, p["firstName"], "Ada")
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"firstName":"Grace"}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, 2, zerolog.Nop())
	p, err := c.Fetch(context.Background(), srv.URL, "u2")
	assert.NilError(t, err)
	assert.Equal(t, p["firstName"], "Grace")
	assert.Equal(t, calls.Load(), int32(2))
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(time.Second, 1, zerolog.Nop())
	_, err := c.Fetch(context.Background(), srv.URL, "missing")
	assert.ErrorContains(t, err, "unexpected status 404")
}
