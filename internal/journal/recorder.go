package journal

import (
	"sync"
	"sync/atomic"
	"time"

	"bounceguard/internal/chatter"
	"bounceguard/internal/hook"
	"bounceguard/internal/logging"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// BufferSize bounds the queue between the hook thread and the writer.
	BufferSize int
	// BatchSize is the number of records per transaction.
	BatchSize int
	// FlushInterval writes a partial batch after this long.
	FlushInterval time.Duration

	// OnDrop is called on the hook thread for every record lost to a
	// full queue. OnWrite is called on the writer goroutine after each
	// committed batch.
	OnDrop  func()
	OnWrite func(n int)

	Logger *logging.Logger
	Now    func() time.Time
}

// Recorder is a guard observer that journals suppressions. OnDecision
// never blocks: when the queue is full the record is dropped and
// counted.
type Recorder struct {
	j       *Journal
	session string
	opts    RecorderOptions
	log     *logging.Logger

	queue chan Suppression
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder starts a Recorder writing to session sessionID.
func NewRecorder(j *Journal, sessionID string, opts RecorderOptions) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 || opts.BatchSize > opts.BufferSize {
		opts.BatchSize = min(64, opts.BufferSize)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	r := &Recorder{
		j:       j,
		session: sessionID,
		opts:    opts,
		log:     log.WithComponent("journal"),
		queue:   make(chan Suppression, opts.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// OnDecision implements guard.Observer.
func (r *Recorder) OnDecision(ev hook.Event, d chatter.Decision) {
	if !d.Suppressed() {
		return
	}
	s := Suppression{
		SessionID: r.session,
		At:        r.opts.Now(),
		EventMs:   ev.Time,
		KeyCode:   ev.Code,
		Direction: ev.Direction(),
		Rule:      d.Rule.String(),
	}
	select {
	case r.queue <- s:
	default:
		r.dropped.Add(1)
		if r.opts.OnDrop != nil {
			r.opts.OnDrop()
		}
	}
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Suppression, 0, r.opts.BatchSize)
	for {
		select {
		case s := <-r.queue:
			batch = append(batch, s)
			if len(batch) >= r.opts.BatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.stop:
			for {
				select {
				case s := <-r.queue:
					batch = append(batch, s)
					if len(batch) >= r.opts.BatchSize {
						batch = r.flush(batch)
					}
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []Suppression) []Suppression {
	if len(batch) == 0 {
		return batch
	}
	if err := r.j.Record(batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.log.Error("write suppressions", "count", len(batch), "error", err)
		return batch[:0]
	}
	r.written.Add(uint64(len(batch)))
	if r.opts.OnWrite != nil {
		r.opts.OnWrite(len(batch))
	}
	return batch[:0]
}

// Close writes everything queued and stops the writer. Events observed
// after Close are never written.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

// Dropped returns the number of records lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of records committed.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed returns the number of records lost to write errors.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }
