package pprof

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openvoicechat/ovc-server/internal/conf"
	"github.com/openvoicechat/ovc-server/internal/test"
)

func TestOpen(t *testing.T) {
	s := &PPROF{
		Address:      "127.0.0.1:9941",
		ReadTimeout:  conf.Duration(10 * time.Second),
		WriteTimeout: conf.Duration(10 * time.Second),
		Parent:       test.NilLogger,
	}
	err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	res, err := http.Get("http://127.0.0.1:9941/debug/pprof/cmdline")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	_, err = io.ReadAll(res.Body)
	require.NoError(t, err)
}

func TestAuth(t *testing.T) {
	s := &PPROF{
		Address:      "127.0.0.1:9942",
		ReadTimeout:  conf.Duration(10 * time.Second),
		WriteTimeout: conf.Duration(10 * time.Second),
		Auth:         conf.Credential("swordfish"),
		Parent:       test.NilLogger,
	}
	err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	// without credentials, a challenge.
	res, err := http.Get("http://127.0.0.1:9942/debug/pprof/cmdline")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, `Basic realm="ovc-server"`, res.Header.Get("WWW-Authenticate"))

	// with the right password, content.
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:9942/debug/pprof/cmdline", nil)
	require.NoError(t, err)
	req.SetBasicAuth("x", "swordfish")

	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}
