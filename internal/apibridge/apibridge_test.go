// ABOUTME: Tests for the API bridge resolver and client over a mesh and a pipe
// ABOUTME: Uses httptest as the upstream API

package apibridge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/ptp"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"user-1"}`))
	})
	mux.HandleFunc("POST /v1/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	mux.HandleFunc("GET /v1/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewResolver_RequiresBaseURL(t *testing.T) {
	_, err := NewResolver(Config{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestResolver_DoPassesThroughStatusAndToken(t *testing.T) {
	api := newAPI(t)
	r, err := NewResolver(Config{BaseURL: api.URL + "/", Token: "secret", Logger: quietLogger()})
	require.NoError(t, err)

	resp, err := r.Do(testCtx(t), FetchRequest{Path: "/v1/me"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"user-1"}`, string(resp.Body))
	assert.Equal(t, "Bearer secret", http.Header(resp.Header).Get("X-Auth"))

	missing, err := r.Do(testCtx(t), FetchRequest{Path: "v1/missing"})
	require.NoError(t, err, "non-2xx statuses are responses")
	assert.Equal(t, http.StatusNotFound, missing.Status)
}

func TestResolver_RejectsAbsoluteURL(t *testing.T) {
	api := newAPI(t)
	r, err := NewResolver(Config{BaseURL: api.URL, Logger: quietLogger()})
	require.NoError(t, err)

	_, err = r.Do(testCtx(t), FetchRequest{Path: "http://evil.example/steal"})
	assert.ErrorIs(t, err, ErrAbsoluteURL)
	_, err = r.Do(testCtx(t), FetchRequest{Path: "//evil.example/steal"})
	assert.ErrorIs(t, err, ErrAbsoluteURL)
}

func TestResolver_StaysUnderBasePath(t *testing.T) {
	r, err := NewResolver(Config{BaseURL: "https://api.example.com/api/v1", Logger: quietLogger()})
	require.NoError(t, err)

	for _, path := range []string{"../../admin", "users/../../../admin", "%2e%2e/%2e%2e/admin", "/../secrets"} {
		_, err := r.resolveURL(path)
		assert.ErrorIs(t, err, ErrOutsideBase, path)
	}

	got, err := r.resolveURL("users/../me")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/v1/me", got)

	_, err = r.Do(testCtx(t), FetchRequest{Path: "../../admin"})
	assert.ErrorIs(t, err, ErrOutsideBase)
}

func TestResolver_Timeout(t *testing.T) {
	api := newAPI(t)
	r, err := NewResolver(Config{BaseURL: api.URL, Timeout: 20 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)

	_, err = r.Do(testCtx(t), FetchRequest{Path: "/v1/slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_FetchOverMesh(t *testing.T) {
	api := newAPI(t)
	r, err := NewResolver(Config{BaseURL: api.URL, Logger: quietLogger()})
	require.NoError(t, err)

	parent := memory.NewWindow("parent", nil)
	root, err := mesh.New(mesh.Options{Name: "root", Self: parent, Logger: quietLogger()})
	require.NoError(t, err)
	defer root.Destroy()
	child, err := mesh.New(mesh.Options{Name: "bridge", Self: memory.NewWindow("bridge", nil), Parent: parent, Logger: quietLogger()})
	require.NoError(t, err)
	defer child.Destroy()

	_, err = Subscribe(child, r)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testCtx(t), 2*time.Second)
	defer cancel()
	resp, err := NewClient(root).Fetch(ctx, FetchRequest{Method: http.MethodPost, Path: "/v1/echo", Body: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, []byte("ping"), resp.Body)
}

func TestClient_FetchOverPipe(t *testing.T) {
	api := newAPI(t)
	r, err := NewResolver(Config{BaseURL: api.URL, Logger: quietLogger()})
	require.NoError(t, err)

	near, far := memory.NewPipe()
	defer near.Close()
	caller := ptp.New(near, ptp.Options{Logger: quietLogger()})
	defer caller.Destroy()
	owner := ptp.New(far, ptp.Options{Logger: quietLogger()})
	defer owner.Destroy()

	_, err = Subscribe(owner, r)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testCtx(t), 2*time.Second)
	defer cancel()
	resp, err := NewClient(caller).Fetch(ctx, FetchRequest{Path: "/v1/me"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}
