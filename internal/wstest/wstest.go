// Package wstest provides websocket test helpers.
package wstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = &websocket.Upgrader{}

// StartRecordingServer starts a websocket test server that copies
// every received message to w and signals done when the connection
// is closed. The returned server's URL uses the ws scheme.
func StartRecordingServer(t *testing.T, done chan<- bool, w io.Writer) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		require.NoError(t, err, "upgrade")
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if done != nil {
					done <- true
				}
				return
			}
			if _, err := w.Write(msg); err != nil {
				t.Logf("wstest: write failed: %v", err)
			}
		}
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// Dial dials the websocket server at url and returns the connection.
func Dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial %s", url)
	return conn
}

// DebugLog forwards log calls to the test's Logf so that server and
// client logs show up interleaved with the test output.
type DebugLog struct {
	T *testing.T
}

func (d *DebugLog) Printf(f string, args ...interface{}) {
	d.T.Logf(f, args...)
}
