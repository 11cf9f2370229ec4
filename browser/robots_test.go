package browser

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRobotsCacheAllowsByDefaultWhenFetchFails(t *testing.T) {
	c := newRobotsCache()
	// No server listening on this port; the fetch errors and Allowed must
	// fail open rather than blocking the whole domain.
	require.True(t, c.Allowed("*", "http://127.0.0.1:1/anything"))
}

func TestRobotsCacheHonorsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newRobotsCache()
	require.True(t, c.Allowed("*", srv.URL+"/catalog/item"))
	require.False(t, c.Allowed("*", srv.URL+"/private/secret"))
}

func TestRobotsCacheInvalidURLFailsOpen(t *testing.T) {
	c := newRobotsCache()
	require.True(t, c.Allowed("*", "not a url :: at all"))
}
