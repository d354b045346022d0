package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounceguard/internal/chatter"
	"bounceguard/internal/guard"
	"bounceguard/internal/journal"
)

type fakeGuard struct{ stats guard.Stats }

func (f fakeGuard) Stats() guard.Stats { return f.stats }

type fakeJournal struct {
	keys  []journal.KeyCount
	err   error
	since time.Time
	limit int
}

func (f *fakeJournal) TopKeys(since time.Time, limit int) ([]journal.KeyCount, error) {
	f.since, f.limit = since, limit
	return f.keys, f.err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Options{Guard: fakeGuard{guard.Stats{State: "running"}}})
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"OK","state":"running"}`, rec.Body.String())

	s = New(Options{Guard: fakeGuard{guard.Stats{State: "idle"}}})
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	stats := guard.Stats{
		State:      "running",
		Source:     "evdev",
		Suppressed: guard.Counts{Down: 3, Up: 1},
		ByRule:     map[string]uint64{"same_key": 3},
		ByKey:      map[chatter.KeyCode]uint64{30: 3},
	}
	s := New(Options{Guard: fakeGuard{stats}})

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got guard.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stats.Suppressed, got.Suppressed)
	assert.Equal(t, uint64(3), got.ByKey[30])
	assert.Equal(t, "evdev", got.Source)

	rec = get(t, New(Options{}).Handler(), "/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bounceguard_events_total 1\n"))
	})
	rec := get(t, New(Options{Metrics: metrics}).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bounceguard_events_total")

	rec = get(t, New(Options{}).Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJournalTop(t *testing.T) {
	j := &fakeJournal{keys: []journal.KeyCount{{KeyCode: 30, Total: 7, Down: 7}}}
	s := New(Options{Journal: j})

	rec := get(t, s.Handler(), "/journal/top?since=1h&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, j.limit)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), j.since, 5*time.Second)

	var body struct {
		Since string             `json:"since"`
		Keys  []journal.KeyCount `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1h0m0s", body.Since)
	require.Len(t, body.Keys, 1)
	assert.Equal(t, int64(7), body.Keys[0].Total)

	for _, bad := range []string{"?since=yesterday", "?since=-1h", "?limit=0", "?limit=x"} {
		assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/journal/top"+bad).Code, bad)
	}

	j.err = errors.New("disk I/O error")
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/journal/top").Code)

	assert.Equal(t, http.StatusNotFound, get(t, New(Options{}).Handler(), "/journal/top").Code)
}

func TestStartShutdown(t *testing.T) {
	s := New(Options{Listen: "127.0.0.1:0", Version: "1.2.3"})
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/version")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "1.2.3", body["version"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestStartBadAddress(t *testing.T) {
	s := New(Options{Listen: "256.0.0.1:99999"})
	assert.Error(t, s.Start())
	assert.NoError(t, s.Shutdown(context.Background()))
}
