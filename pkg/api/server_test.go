package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/aggregator"
	"github.com/beacontrack/beacontrack/pkg/logx"
	"github.com/beacontrack/beacontrack/pkg/telem"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (f *fakePublisher) PublishMode(payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, string(payload.(json.RawMessage)))
	return nil
}

type fakeSaver struct {
	saved []pkg.Session
}

func (f *fakeSaver) Save(_ context.Context, s pkg.Session) error {
	f.saved = append(f.saved, s)
	return nil
}

// brokenPositioner fails every query with a non-readiness error
type brokenPositioner struct{ *aggregator.Aggregator }

func (brokenPositioner) Query() (pkg.PositionEstimate, error) {
	return pkg.PositionEstimate{}, errors.New("solver exploded")
}

type fixture struct {
	agg   *aggregator.Aggregator
	pub   *fakePublisher
	saver *fakeSaver
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logx.NewWithWriter("error", &bytes.Buffer{})
	agg, err := aggregator.New(aggregator.Options{}, logger, nil)
	require.NoError(t, err)

	f := &fixture{agg: agg, pub: &fakePublisher{}, saver: &fakeSaver{}}
	agg.WithSaver(f.saver)
	f.srv = NewServer(Config{PushInterval: 20 * time.Millisecond, PathLossExponent: 1.7}, agg, f.pub, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

const threeAnchors = `{"num": 3, "positions": [[0,0],[10,0],[10,10]]}`

func TestConfigureAnchorsDefaults(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/anchors", threeAnchors)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "3 anchors configured.", body["message"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	sess, ok := f.agg.Session()
	require.True(t, ok)
	assert.Equal(t, sess.ID, body["session_id"])
	assert.Equal(t, 1.7, sess.PathLossExponent)
	assert.Equal(t, []string{"1", "2", "3"}, []string{sess.Anchors[0].ID, sess.Anchors[1].ID, sess.Anchors[2].ID})
	for _, a := range sess.Anchors {
		assert.Equal(t, pkg.DefaultReferencePower, a.ReferencePower)
	}
	require.Len(t, f.saver.saved, 1)
	assert.Equal(t, sess.ID, f.saver.saved[0].ID)
}

func TestConfigureAnchorsExplicitFields(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/anchors",
		`{"num": "4", "positions": [[0,0],[10,0],[10,10],[0,10]], "powers": [-40,-41,-42,-43], "ids": ["a","b","c","d"], "path_loss_exponent": 2.1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sess, _ := f.agg.Session()
	assert.Equal(t, 2.1, sess.PathLossExponent)
	assert.Equal(t, "c", sess.Anchors[2].ID)
	assert.Equal(t, -43.0, sess.Anchors[3].ReferencePower)
}

func TestConfigureAnchorsRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing positions", `{"num": 3}`},
		{"num not integer", `{"num": "three", "positions": [[0,0],[1,0],[0,1]]}`},
		{"too few", `{"num": 2, "positions": [[0,0],[1,0]]}`},
		{"too many", `{"num": 6, "positions": [[0,0],[1,0],[0,1],[1,1],[2,2],[3,3]]}`},
		{"count mismatch", `{"num": 3, "positions": [[0,0],[1,0]]}`},
		{"bad position", `{"num": 3, "positions": [[0,0],[1,0],[0]]}`},
		{"powers mismatch", `{"num": 3, "positions": [[0,0],[1,0],[0,1]], "powers": [-45]}`},
		{"duplicate ids", `{"num": 3, "positions": [[0,0],[1,0],[0,1]], "ids": ["a","a","b"]}`},
		{"bad exponent", `{"num": 3, "positions": [[0,0],[1,0],[0,1]], "path_loss_exponent": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec, body := f.do(t, http.MethodPost, "/anchors", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])

			_, ok := f.agg.Session()
			assert.False(t, ok)
			assert.Empty(t, f.saver.saved)
		})
	}
}

func TestGetAnchors(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/anchors", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/anchors", threeAnchors)
	rec, body := f.do(t, http.MethodGet, "/anchors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["anchors"], 3)
}

func TestTrilaterateStatusCodes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/trilaterate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, body["position"])
	assert.Contains(t, body["error"], "not configured")

	f.do(t, http.MethodPost, "/anchors", threeAnchors)
	f.do(t, http.MethodPost, "/samples", `{"anchor_id": "1", "rssi": -50}`)

	rec, body = f.do(t, http.MethodGet, "/trilaterate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, body["position"])

	f.do(t, http.MethodPost, "/samples", `{"anchor_id": "2", "rssi": "-55.5"}`)
	f.do(t, http.MethodPost, "/samples", `{"anchor_id": "3", "rssi": -60}`)

	rec, body = f.do(t, http.MethodGet, "/trilaterate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos, ok := body["position"].([]interface{})
	require.True(t, ok)
	assert.Len(t, pos, 2)
}

func TestTrilaterateInternalError(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(Config{}, brokenPositioner{f.agg}, nil, logx.NewWithWriter("error", &bytes.Buffer{}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trilaterate", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "exploded")
}

func TestSamplesRejectMalformed(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/anchors", threeAnchors)

	for _, body := range []string{`{"anchor_id": "1", "rssi": "loud"}`, `{"anchor_id": "1"}`, `{"rssi": -50}`, `nope`} {
		rec, _ := f.do(t, http.MethodPost, "/samples", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec, _ := f.do(t, http.MethodPost, "/samples", `{"anchor_id": "unknown", "rssi": -50}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestToggleMode(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/toggle_mode", `{"mode": "calibrate"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{`{"mode": "calibrate"}`}, f.pub.payloads)

	rec, _ = f.do(t, http.MethodPost, "/toggle_mode", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.pub.err = errors.New("not connected")
	rec, body = f.do(t, http.MethodPost, "/toggle_mode", `{"mode": "track"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to publish message", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/anchors", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketPushesPositions(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first positionMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Nil(t, first.Position)
	assert.NotEmpty(t, first.Error)

	_, err = f.agg.Configure([]pkg.AnchorConfig{
		{ID: "1", Position: pkg.Point{X: 0, Y: 0}, ReferencePower: -45},
		{ID: "2", Position: pkg.Point{X: 10, Y: 0}, ReferencePower: -45},
		{ID: "3", Position: pkg.Point{X: 10, Y: 10}, ReferencePower: -45},
	}, 1.7)
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, f.agg.Ingest(id, -55))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg positionMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Position != nil {
			assert.Len(t, msg.Position, 2)
			assert.Empty(t, msg.Error)
			return
		}
	}
}

func TestEventsDisabled(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestEventsJournal(t *testing.T) {
	logger := logx.NewWithWriter("error", &bytes.Buffer{})
	journal := telem.NewJournal(telem.Config{})
	agg, err := aggregator.New(aggregator.Options{}, logger, journal)
	require.NoError(t, err)

	f := &fixture{agg: agg, pub: &fakePublisher{}, saver: &fakeSaver{}}
	f.srv = NewServer(Config{}, agg, f.pub, logger).WithEvents(journal)

	rec, _ := f.do(t, http.MethodPost, "/anchors", threeAnchors)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, _ = f.do(t, http.MethodPost, "/samples", `{"anchor_id": "1", "rssi": "loud"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events, ok := body["events"].([]interface{})
	require.True(t, ok, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, telem.EventConfigured, events[0].(map[string]interface{})["type"])
	assert.Equal(t, telem.EventSampleDropped, events[1].(map[string]interface{})["type"])

	_, body = f.do(t, http.MethodGet, "/events?limit=1", "")
	assert.Len(t, body["events"], 1)

	rec, _ = f.do(t, http.MethodGet, "/events?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
