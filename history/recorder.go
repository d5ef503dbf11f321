package history

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/metrics"
	"github.com/yllada/vpn-profiles/profile"
)

// Appender stores journal entries.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Recorder is a state machine observer that journals every applied
// transition. Entries are written by one background goroutine; when its
// queue is full new entries are dropped and counted, so observers never
// block on disk.
type Recorder struct {
	appender Appender
	clock    clockwork.Clock
	log      common.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// NewRecorder starts a recorder writing to appender.
func NewRecorder(appender Appender, clock clockwork.Clock, log common.Logger) *Recorder {
	return newRecorder(appender, clock, common.HistoryQueueSize, log)
}

func newRecorder(appender Appender, clock clockwork.Clock, size int, log common.Logger) *Recorder {
	if log == nil {
		log = common.GetLogger()
	}
	r := &Recorder{
		appender: appender,
		clock:    clock,
		log:      log,
		queue:    make(chan Entry, size),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		if err := r.appender.Append(context.Background(), e); err != nil {
			r.log.Warn("History: %v", err)
		}
	}
}

// OnStateChange queues the transition.
func (r *Recorder) OnStateChange(p *profile.Profile, from, to profile.State) {
	e := Entry{
		ProfileID:   p.ID,
		ProfileName: p.Name,
		From:        from.String(),
		To:          to.String(),
		At:          r.clock.Now(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		metrics.HistoryDropped.Inc()
		r.log.Debug("History: queue full, dropped %s %s -> %s", p.Name, e.From, e.To)
	}
}

// OnReconnectPrompt is not journaled.
func (r *Recorder) OnReconnectPrompt(*profile.Profile) {}

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}
