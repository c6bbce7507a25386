package status

import (
	"sync"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/timezone"
)

type Phase string

const (
	Idle    Phase = "idle"
	Running Phase = "running"
	Waiting Phase = "waiting"
)

// Lease is proof that a caller moved a channel to Running. only the
// current lease of a channel can move it back to Idle.
type Lease struct {
	Channel    model.Channel
	generation uint64
}

type ChannelStatus struct {
	Phase   Phase     `json:"phase"`
	LastRun time.Time `json:"last_run,omitempty"`
	Summary string    `json:"summary,omitempty"`
}

type SchedulerStatus struct {
	Active  bool      `json:"active"`
	Phase   Phase     `json:"phase"`
	LastRun time.Time `json:"last_run,omitempty"`
}

type Snapshot struct {
	Scheduler     SchedulerStatus                 `json:"scheduler"`
	Channels      map[model.Channel]ChannelStatus `json:"channels"`
	LastError     string                          `json:"last_error,omitempty"`
	LastErrorTime time.Time                       `json:"last_error_time,omitempty"`
}

type channelState struct {
	ChannelStatus
	generation uint64
}

// Tracker owns the mutable server status. readers only ever see copies.
type Tracker struct {
	mu        sync.Mutex
	channels  map[model.Channel]*channelState
	scheduler SchedulerStatus
	lastError string
	errorTime time.Time
	now       func() time.Time
}

func NewTracker(channels []model.Channel) *Tracker {
	t := &Tracker{
		channels:  map[model.Channel]*channelState{},
		scheduler: SchedulerStatus{Phase: Idle},
		now:       timezone.Now,
	}
	for _, ch := range channels {
		t.channels[ch] = &channelState{ChannelStatus: ChannelStatus{Phase: Idle}}
	}
	return t
}

func (t *Tracker) state(channel model.Channel) *channelState {
	s, ok := t.channels[channel]
	if !ok {
		s = &channelState{ChannelStatus: ChannelStatus{Phase: Idle}}
		t.channels[channel] = s
	}
	return s
}

// TryBegin moves channel from Idle to Running without blocking. ok is
// false when the channel is already Running.
func (t *Tracker) TryBegin(channel model.Channel) (lease Lease, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(channel)
	if s.Phase == Running {
		return Lease{}, false
	}
	s.generation++
	s.Phase = Running
	return Lease{Channel: channel, generation: s.generation}, true
}

// End returns the channel of lease to Idle and records the outcome. a
// lease invalidated by ForceReset leaves the channel untouched, but its
// error is still recorded. it reports whether the lease was current.
func (t *Tracker) End(lease Lease, summary string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if err != nil {
		t.lastError = string(lease.Channel) + ": " + err.Error()
		t.errorTime = now
	}

	s := t.state(lease.Channel)
	if s.generation != lease.generation {
		return false
	}
	s.Phase = Idle
	s.LastRun = now
	s.Summary = summary
	return true
}

// ForceReset returns every channel to Idle and invalidates outstanding
// leases. it returns the channels that were Running.
func (t *Tracker) ForceReset() []model.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	reset := []model.Channel{}
	for name, s := range t.channels {
		if s.Phase == Running {
			reset = append(reset, name)
		}
		s.generation++
		s.Phase = Idle
	}
	return reset
}

func (t *Tracker) Phase(channel model.Channel) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(channel).Phase
}

func (t *Tracker) SetSchedulerActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduler.Active = true
}

func (t *Tracker) SetSchedulerPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduler.Phase = phase
}

// CycleDone stamps the end of a scheduler cycle.
func (t *Tracker) CycleDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduler.LastRun = t.now()
}

func (t *Tracker) RecordError(scope string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = scope + ": " + err.Error()
	t.errorTime = t.now()
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	channels := make(map[model.Channel]ChannelStatus, len(t.channels))
	for name, s := range t.channels {
		channels[name] = s.ChannelStatus
	}
	return Snapshot{
		Scheduler:     t.scheduler,
		Channels:      channels,
		LastError:     t.lastError,
		LastErrorTime: t.errorTime,
	}
}
