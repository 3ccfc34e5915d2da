// Package progress keeps the latest known progress snapshot of every download
// job in memory and fans changes out to subscribers.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state reported for a job.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusDone        Status = "done"
	StatusError       Status = "error"
	StatusUnknown     Status = "unknown"
)

// IsTerminal reports whether no further updates are expected.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Snapshot is the latest known state of one job.
type Snapshot struct {
	Status     Status     `json:"status"`
	Percent    float64    `json:"percent"`
	ETASeconds *int       `json:"etaSeconds"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	File       string     `json:"file,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.ETASeconds != nil {
		eta := *s.ETASeconds
		out.ETASeconds = &eta
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Details carries the optional terminal fields recorded by Finish.
type Details struct {
	File  string
	Error string
}

// Listener observes every mutation applied to the registry.
type Listener func(id string, snap Snapshot)

const (
	DefaultDoneTTL    = 15 * time.Minute
	DefaultErrorTTL   = 30 * time.Minute
	DefaultMaxEntries = 4096
)

// Options tunes retention of terminal snapshots.
type Options struct {
	DoneTTL    time.Duration
	ErrorTTL   time.Duration
	MaxEntries int
}

type entry struct {
	snap    Snapshot
	touched time.Time
}

type subscriber struct {
	id string
	ch chan Snapshot
}

// Registry maps job ids to snapshots. The zero value is not usable; use New.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	subs      map[*subscriber]struct{}
	listeners []Listener
	opts      Options
	now       func() time.Time
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.DoneTTL == 0 {
		opts.DoneTTL = DefaultDoneTTL
	}
	if opts.ErrorTTL == 0 {
		opts.ErrorTTL = DefaultErrorTTL
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &Registry{
		entries: make(map[string]*entry),
		subs:    make(map[*subscriber]struct{}),
		opts:    opts,
		now:     time.Now,
	}
}

// Init records a fresh STARTING snapshot for id.
func (r *Registry) Init(id string) {
	if id == "" {
		return
	}
	r.update(id, func(s *Snapshot) {
		now := r.now()
		*s = Snapshot{Status: StatusStarting, StartedAt: &now}
	})
}

// Merge applies patches to the snapshot of id. Fields not named by a patch
// keep their previous value.
func (r *Registry) Merge(id string, patches ...Patch) {
	if id == "" || len(patches) == 0 {
		return
	}
	r.update(id, func(s *Snapshot) {
		for _, p := range patches {
			if p != nil {
				p(s)
			}
		}
	})
}

// Finish marks id as DONE or ERROR.
func (r *Registry) Finish(id string, ok bool, details Details) {
	if id == "" {
		return
	}
	r.update(id, func(s *Snapshot) {
		now := r.now()
		zero := 0
		if ok {
			s.Status = StatusDone
			s.Percent = 100
		} else {
			s.Status = StatusError
		}
		s.ETASeconds = &zero
		s.FinishedAt = &now
		if details.File != "" {
			s.File = details.File
		}
		if details.Error != "" {
			s.Error = details.Error
		}
	})
}

// Snapshot returns a copy of the current state of id, or an UNKNOWN snapshot.
func (r *Registry) Snapshot(id string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{Status: StatusUnknown}
	}
	return e.snap.clone()
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ActiveCount returns the number of jobs that are not terminal.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.snap.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Watch registers fn to be called after every mutation. Listeners run on the
// writer's goroutine and must not block.
func (r *Registry) Watch(fn Listener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Subscribe returns a channel receiving snapshots of id as they change. The
// channel holds at most one pending value; a slow reader only sees the latest
// state. The returned cancel func must be called to release the subscription.
func (r *Registry) Subscribe(id string) (<-chan Snapshot, func()) {
	sub := &subscriber{id: id, ch: make(chan Snapshot, 1)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (r *Registry) update(id string, mutate func(*Snapshot)) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		now := r.now()
		e = &entry{snap: Snapshot{Status: StatusStarting, StartedAt: &now}}
		r.entries[id] = e
	}
	mutate(&e.snap)
	e.touched = r.now()
	snap := e.snap.clone()

	var targets []chan Snapshot
	for sub := range r.subs {
		if sub.id == id {
			targets = append(targets, sub.ch)
		}
	}
	listeners := r.listeners
	if !ok && len(r.entries) > r.opts.MaxEntries {
		r.evictOldestLocked(len(r.entries) - r.opts.MaxEntries)
	}
	r.mu.Unlock()

	for _, ch := range targets {
		offer(ch, snap)
	}
	for _, fn := range listeners {
		fn(id, snap.clone())
	}
}

// offer replaces any unread value so the channel always carries the latest snapshot.
func offer(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// RemoveExpired drops terminal snapshots older than their TTL and returns how
// many were removed.
func (r *Registry) RemoveExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if r.expiredLocked(e, now) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) expiredLocked(e *entry, now time.Time) bool {
	finished := e.touched
	if e.snap.FinishedAt != nil {
		finished = *e.snap.FinishedAt
	}
	switch e.snap.Status {
	case StatusDone:
		return r.opts.DoneTTL > 0 && now.Sub(finished) > r.opts.DoneTTL
	case StatusError:
		return r.opts.ErrorTTL > 0 && now.Sub(finished) > r.opts.ErrorTTL
	default:
		return false
	}
}

// evictOldestLocked removes up to n entries, terminal ones first, oldest first.
// Active jobs are only evicted when nothing terminal is left.
func (r *Registry) evictOldestLocked(n int) {
	type candidate struct {
		id       string
		terminal bool
		touched  time.Time
	}
	all := make([]candidate, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, candidate{id: id, terminal: e.snap.Status.IsTerminal(), touched: e.touched})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].terminal != all[j].terminal {
			return all[i].terminal
		}
		return all[i].touched.Before(all[j].touched)
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(r.entries, all[i].id)
	}
}

// StartCleanup periodically evicts expired snapshots until ctx is done.
func (r *Registry) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.RemoveExpired(now)
			}
		}
	}()
}
