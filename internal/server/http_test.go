package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	api "github.com/ttaaoo/commitlog/api/v1"
	"github.com/ttaaoo/commitlog/internal/log"
)

func setupHTTP(t *testing.T, fn func(*Config)) *httptest.Server {
	t.Helper()

	dir, err := os.MkdirTemp("", "http-test")
	require.NoError(t, err)

	logger := zerolog.Nop()
	clog, err := log.NewLog(dir, log.Config{Logger: &logger})
	require.NoError(t, err)

	cfg := &Config{
		CommitLog: clog,
		Logger:    &logger,
	}
	if fn != nil {
		fn(cfg)
	}
	handler, err := NewHTTPHandler(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		clog.Remove()
	})
	return srv
}

func produce(t *testing.T, url string, value string) *http.Response {
	t.Helper()
	body, err := json.Marshal(api.ProduceRequest{Record: &api.Record{Value: []byte(value)}})
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return res
}

func consume(t *testing.T, url string, offset uint64) *http.Response {
	t.Helper()
	body, err := json.Marshal(api.ConsumeRequest{Offset: offset})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, url, bytes.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func TestHTTPProduceConsume(t *testing.T) {
	srv := setupHTTP(t, nil)

	for i, value := range []string{"hello world", "second"} {
		res := produce(t, srv.URL, value)
		require.Equal(t, http.StatusOK, res.StatusCode)
		var got api.ProduceResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
		res.Body.Close()
		require.Equal(t, uint64(i), got.Offset)
	}

	res := consume(t, srv.URL, 1)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got api.ConsumeResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.Equal(t, []byte("second"), got.Record.Value)
	require.Equal(t, uint64(1), got.Record.Offset)

	// the offset can also be passed as a query parameter
	qres, err := http.Get(srv.URL + "/?offset=0")
	require.NoError(t, err)
	defer qres.Body.Close()
	require.Equal(t, http.StatusOK, qres.StatusCode)
	require.NoError(t, json.NewDecoder(qres.Body).Decode(&got))
	require.Equal(t, []byte("hello world"), got.Record.Value)

	ores, err := http.Get(srv.URL + "/offsets")
	require.NoError(t, err)
	defer ores.Body.Close()
	var offsets offsetsResponse
	require.NoError(t, json.NewDecoder(ores.Body).Decode(&offsets))
	require.Equal(t, uint64(0), offsets.Lowest)
	require.NotNil(t, offsets.Highest)
	require.Equal(t, uint64(1), *offsets.Highest)
}

func TestHTTPConsumeNotFound(t *testing.T) {
	srv := setupHTTP(t, nil)

	res := consume(t, srv.URL, 0)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	var got errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.Contains(t, got.Error, "offset out of range: 0")

	ores, err := http.Get(srv.URL + "/offsets")
	require.NoError(t, err)
	defer ores.Body.Close()
	var offsets offsetsResponse
	require.NoError(t, json.NewDecoder(ores.Body).Decode(&offsets))
	require.Nil(t, offsets.Highest)
}

func TestHTTPBadRequests(t *testing.T) {
	srv := setupHTTP(t, nil)

	res, err := http.Post(srv.URL, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Post(srv.URL, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(srv.URL + "/?offset=minus-one")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHTTPFailuresAreUnavailable(t *testing.T) {
	srv := setupHTTP(t, func(c *Config) {
		c.CommitLog = failingLog{}
	})

	res := produce(t, srv.URL, "hello world")
	res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res = consume(t, srv.URL, 0)
	res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	// failingLog does not report offsets
	res, err := http.Get(srv.URL + "/offsets")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotImplemented, res.StatusCode)
}

func TestHTTPUnauthorized(t *testing.T) {
	srv := setupHTTP(t, func(c *Config) {
		c.Authorizer = authorizer{deny: map[string]bool{produceAction: true}}
	})

	res := produce(t, srv.URL, "hello world")
	defer res.Body.Close()
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	var got errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	require.Contains(t, got.Error, "not permitted to produce")
}
