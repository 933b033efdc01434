package intake

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Key = testKey
	cfg.Capacity = 3
	cfg.StreamInterval = time.Millisecond
	cfg.Preamble = Preamble{}
	return cfg
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postAction(t *testing.T, ts *httptest.Server, action string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/action", "application/json", strings.NewReader(`{"action":"`+action+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Push("W"))
	require.NoError(t, q.Push("A"))
	assert.ErrorIs(t, q.Push("S"), ErrQueueFull)
	require.NoError(t, q.PushPriority("T"))
	assert.Equal(t, []string{"W", "A", "T"}, q.Items())

	a, ok, err := q.Pop()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "W", a)

	q.Reset()
	_, ok, err = q.Pop()
	require.NoError(t, err)
	assert.False(t, ok)

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Push("W"), ErrQueueClosed)
	_, _, err = q.Pop()
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPostAction(t *testing.T) {
	s, ts := newTestServer(t, testConfig())

	code, body := postAction(t, ts, "W")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Action added", body["status"])

	code, body = postAction(t, ts, "X")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid action", body["error"])

	code, body = postAction(t, ts, "w")
	assert.Equal(t, http.StatusBadRequest, code, "actions are upper case")
	assert.Equal(t, "Invalid action", body["error"])

	postAction(t, ts, "A")
	postAction(t, ts, "S")
	code, body = postAction(t, ts, "D")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Action queue is full", body["error"])

	assert.Equal(t, []string{"W", "A", "S"}, s.Queue().Items())
}

func TestPostAction_RareAction(t *testing.T) {
	s, ts := newTestServer(t, testConfig(), WithRandom(func() float64 { return 0.9 }))

	code, body := postAction(t, ts, "T")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Action not added", body["error"])
	assert.Zero(t, s.Queue().Len())

	s, ts = newTestServer(t, testConfig(), WithRandom(func() float64 { return 0.01 }))
	for _, a := range []string{"W", "A", "S"} {
		postAction(t, ts, a)
	}
	code, _ = postAction(t, ts, "T")
	assert.Equal(t, http.StatusOK, code, "a lucky T skips the capacity check")
	assert.Equal(t, []string{"W", "A", "S", "T"}, s.Queue().Items())
}

func TestKill(t *testing.T) {
	s, ts := newTestServer(t, testConfig())
	postAction(t, ts, "W")

	resp, err := http.Get(ts.URL + "/kill?key=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, s.Queue().Len())

	resp, err = http.Get(ts.URL + "/kill?key=" + testKey)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
	assert.Zero(t, s.Queue().Len())
}

func TestKill_UnsetKeyLocksRoute(t *testing.T) {
	cfg := testConfig()
	cfg.Key = ""
	_, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/kill?key=")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInfo(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	postAction(t, ts, "Q")
	postAction(t, ts, "E")

	resp, err := http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, 2, info.ActionsCount)
	assert.Equal(t, []string{"Q", "E"}, info.Actions)
	assert.Zero(t, info.ClientsCount)
	assert.Contains(t, info.MemoryUsage, "MB")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	_, ts := newTestServer(t, cfg)

	var codes []int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/info")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/action", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStream_PreambleThenActions(t *testing.T) {
	s, ts := newTestServer(t, testConfig())
	require.NoError(t, s.Queue().Push("W"))
	require.NoError(t, s.Queue().Push("D"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys := make(chan rune, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- Follow(ctx, ts.Client(), ts.URL+"/actions?key="+testKey, keys) }()

	var got []rune
	for len(got) < 5 {
		select {
		case k := <-keys:
			got = append(got, k)
		case <-time.After(2 * time.Second):
			t.Fatalf("stream stalled after %q", string(got))
		}
	}
	assert.Equal(t, " Pfwd", string(got))
	assert.Zero(t, s.Queue().Len())

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/info")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var info Info
		return json.NewDecoder(resp.Body).Decode(&info) == nil && info.ClientsCount == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestStream_KillEndsStream(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	keys := make(chan rune, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- Follow(context.Background(), ts.Client(), ts.URL+"/actions?key="+testKey, keys) }()

	for i := 0; i < 3; i++ {
		select {
		case <-keys:
		case <-time.After(2 * time.Second):
			t.Fatal("no preamble")
		}
	}

	resp, err := http.Get(ts.URL + "/kill?key=" + testKey)
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after kill")
	}
}

func TestFollow_Refused(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	err := Follow(context.Background(), ts.Client(), ts.URL+"/actions?key=wrong", make(chan rune, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
