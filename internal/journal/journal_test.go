package journal

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounceguard/internal/chatter"
	"bounceguard/internal/hook"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	v, err := j.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(schema), v)
	require.NoError(t, j.Close())

	// Reopening applies nothing twice.
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	v, err = j.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(schema), v)
	assert.Equal(t, path, j.Path())
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = Open(path)
	assert.ErrorContains(t, err, "newer than this build")
}

func TestCloseNilDB(t *testing.T) {
	j := &Journal{}
	assert.NoError(t, j.Close())
}

func TestSessions(t *testing.T) {
	j := openTest(t)

	id, err := j.BeginSession("evdev", map[string]int{"chatter_threshold_ms": 50})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	require.NoError(t, j.Record([]Suppression{
		{SessionID: id, At: time.Now(), KeyCode: 30, Direction: "down", Rule: "same_key"},
	}))
	require.NoError(t, j.EndSession(id))

	err = j.EndSession(uuid.NewString())
	assert.True(t, errors.Is(err, ErrNoSession))

	summaries, err := j.SessionSummaries(10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].ID)
	assert.Equal(t, "evdev", summaries[0].Source)
	assert.Equal(t, int64(1), summaries[0].Suppressions)
	assert.NotNil(t, summaries[0].EndedAt)
	assert.JSONEq(t, `{"chatter_threshold_ms": 50}`, summaries[0].Config)
}

func TestRecordRequiresSession(t *testing.T) {
	j := openTest(t)
	err := j.Record([]Suppression{{SessionID: "missing", At: time.Now(), KeyCode: 1, Direction: "down", Rule: "same_key"}})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestTopKeys(t *testing.T) {
	j := openTest(t)
	id, err := j.BeginSession("replay", nil)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	var batch []Suppression
	add := func(code chatter.KeyCode, dir string, n int, at time.Time) {
		for i := 0; i < n; i++ {
			batch = append(batch, Suppression{SessionID: id, At: at, KeyCode: code, Direction: dir, Rule: "same_key"})
		}
	}
	add(30, "down", 5, base)
	add(30, "up", 2, base.Add(time.Minute))
	add(48, "down", 3, base)
	add(14, "down", 9, base.Add(-48*time.Hour))
	require.NoError(t, j.Record(batch))

	top, err := j.TopKeys(base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, top, 2)

	assert.Equal(t, chatter.KeyCode(30), top[0].KeyCode)
	assert.Equal(t, int64(7), top[0].Total)
	assert.Equal(t, int64(5), top[0].Down)
	assert.Equal(t, int64(2), top[0].Up)
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), top[0].Last.UnixMilli())
	assert.Equal(t, chatter.KeyCode(48), top[1].KeyCode)

	top, err = j.TopKeys(time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, chatter.KeyCode(14), top[0].KeyCode)

	rules, err := j.RuleCounts(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"same_key": 19}, rules)
}

func TestPrune(t *testing.T) {
	j := openTest(t)
	old, err := j.BeginSession("evdev", nil)
	require.NoError(t, err)
	require.NoError(t, j.EndSession(old))

	now := time.Now()
	require.NoError(t, j.Record([]Suppression{
		{SessionID: old, At: now.Add(-40 * 24 * time.Hour), KeyCode: 30, Direction: "down", Rule: "same_key"},
		{SessionID: old, At: now, KeyCode: 30, Direction: "down", Rule: "same_key"},
	}))

	n, err := j.Prune(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	top, err := j.TopKeys(time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].Total)
}

func TestRecorder(t *testing.T) {
	j := openTest(t)
	id, err := j.BeginSession("replay", nil)
	require.NoError(t, err)

	var written atomic.Int64
	r := NewRecorder(j, id, RecorderOptions{
		BufferSize:    16,
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
		OnWrite:       func(n int) { written.Add(int64(n)) },
	})

	for i := 0; i < 10; i++ {
		r.OnDecision(hook.Event{Code: 30, Down: true, Time: int64(1000 + i)}, chatter.Decision{Verdict: chatter.Suppress, Rule: chatter.RuleSameKey})
		r.OnDecision(hook.Event{Code: 30, Down: false, Time: int64(1000 + i)}, chatter.Decision{Verdict: chatter.Deliver})
	}
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, uint64(10), r.Written())
	assert.Equal(t, int64(10), written.Load())
	assert.Zero(t, r.Dropped())

	top, err := j.TopKeys(time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(10), top[0].Down)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	j := openTest(t)
	id, err := j.BeginSession("replay", nil)
	require.NoError(t, err)

	r := NewRecorder(j, id, RecorderOptions{BufferSize: 2, BatchSize: 2, FlushInterval: time.Hour})
	// Stop the writer first so nothing drains the queue.
	require.NoError(t, r.Close())

	var drops int
	r.opts.OnDrop = func() { drops++ }
	for i := 0; i < 5; i++ {
		r.OnDecision(hook.Event{Code: 30, Down: true, Time: int64(i + 1)}, chatter.Decision{Verdict: chatter.Suppress, Rule: chatter.RuleSameKey})
	}
	assert.Equal(t, uint64(3), r.Dropped())
	assert.Equal(t, 3, drops)
}

func TestRecorderWriteFailure(t *testing.T) {
	j := openTest(t)
	r := NewRecorder(j, "no-such-session", RecorderOptions{BatchSize: 1})
	r.OnDecision(hook.Event{Code: 30, Down: true, Time: 1}, chatter.Decision{Verdict: chatter.Suppress, Rule: chatter.RuleSameKey})
	require.NoError(t, r.Close())

	assert.Equal(t, uint64(1), r.Failed())
	assert.Zero(t, r.Written())
}
