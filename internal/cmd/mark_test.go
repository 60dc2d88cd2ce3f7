package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bananajs/banana/internal/client"
	"github.com/bananajs/banana/internal/middleware"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMark(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"buildStart":1700000000000,"hmrApplied":1700000000500}`))
	}))
	defer srv.Close()

	serverURL, authToken = srv.URL, ""
	t.Cleanup(func() { serverURL, authToken = "", "" })

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)

	err := runMark(c, "hmr applied", (*client.Marker).HMRApplied, func(bt client.BuildTimes) int64 { return bt.HMRApplied })
	require.NoError(t, err)
	assert.Equal(t, "/v1/hmr/applied", path)
	assert.Contains(t, out.String(), "✓ hmr applied at ")
	assert.Contains(t, out.String(), time.UnixMilli(1700000000500).Format(time.RFC3339Nano))
}

func TestRunToken(t *testing.T) {
	tokenOpts.secret, tokenOpts.source, tokenOpts.ttl = "s3cret", "cli", time.Hour
	t.Cleanup(func() { tokenOpts.secret = "" })

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	require.NoError(t, runToken(c, nil))

	claims, err := middleware.NewAuthMiddleware("s3cret").ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "cli", claims.Source)

	tokenOpts.secret = ""
	assert.Error(t, runToken(c, nil))
}
