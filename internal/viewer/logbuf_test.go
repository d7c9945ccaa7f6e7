package viewer

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferSplitsAndParses(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("2026-10-16T19:02:03.123Z\tINFO\tcall\tcall/session.go:88\tCALL [1-ab]: state idle -> outgoing-ringing\n"))
	_, _ = b.Write([]byte("plain line without "))
	_, _ = b.Write([]byte("tabs\n\n"))

	got := b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "info", got[0].Level)
	assert.Equal(t, "call", got[0].Subsystem)
	assert.Equal(t, "CALL [1-ab]: state idle -> outgoing-ringing", got[0].Msg)
	assert.Equal(t, 2026, got[0].TS.Year())

	assert.Equal(t, "plain line without tabs", got[1].Msg)
	assert.Empty(t, got[1].Subsystem)
}

func TestServeLogsJSONFilters(t *testing.T) {
	b := NewLogBuffer(10)
	for _, sys := range []string{"call", "mq", "call"} {
		_, _ = b.Write([]byte("2026-10-16T19:02:03.123Z\tINFO\t" + sys + "\tx.go:1\thello " + sys + "\n"))
	}

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?subsystem=call&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "call", out[0].Subsystem)

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodPost, "/api/logs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeLogsSSETail(t *testing.T) {
	b := NewLogBuffer(10)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeLogsSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The handler subscribes right after flushing headers.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _ = b.Write([]byte("live line\n"))

	rd := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var e LogEntry
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "live line", e.Msg)
}

func TestNormalizeLocalAddr(t *testing.T) {
	addr, url := NormalizeLocalAddr(":8790")
	assert.Equal(t, "127.0.0.1:8790", addr)
	assert.Equal(t, "http://127.0.0.1:8790", url)

	addr, _ = NormalizeLocalAddr("0.0.0.0:9000")
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestHandlerSetsNoCache(t *testing.T) {
	h := Handler(Viewer{Logs: NewLogBuffer(4)})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}
