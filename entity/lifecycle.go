package entity

import (
	"fmt"
	"time"
)

// SubjectKind names what a lifecycle summary or counter set describes.
type SubjectKind string

const (
	SubjectGlobal SubjectKind = "global"
	SubjectRepo   SubjectKind = "repo"
	SubjectModule SubjectKind = "module"
	SubjectFork   SubjectKind = "fork"
)

// Subject identifies a lifecycle owner. Key is empty for the global subject.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	Key  string      `json:"key,omitempty"`
}

// GlobalSubject is the deployment-wide subject.
var GlobalSubject = Subject{Kind: SubjectGlobal}

// LifecycleStatus is the coarse health of a subject.
type LifecycleStatus string

const (
	StatusCreated   LifecycleStatus = "created"
	StatusObserving LifecycleStatus = "observing"
	StatusStable    LifecycleStatus = "stable"
	StatusDegraded  LifecycleStatus = "degraded"
	StatusError     LifecycleStatus = "error"
	StatusArchived  LifecycleStatus = "archived"
)

// LifecycleEventKind enumerates the discrete events a summary accepts.
type LifecycleEventKind string

const (
	EventCreated              LifecycleEventKind = "created"
	EventObservationStarted   LifecycleEventKind = "observation_started"
	EventObservationCompleted LifecycleEventKind = "observation_completed"
	EventActivity             LifecycleEventKind = "activity"
	EventDegraded             LifecycleEventKind = "degraded"
	EventError                LifecycleEventKind = "error"
	EventRecovered            LifecycleEventKind = "recovered"
	EventArchived             LifecycleEventKind = "archived"
)

// LifecycleEvent is one discrete change applied to a summary.
type LifecycleEvent struct {
	Kind    LifecycleEventKind `json:"kind"`
	At      time.Time          `json:"at"`
	Message string             `json:"message,omitempty"`
}

// Lifecycle summarizes when a subject was created, last active, last
// observed and last failed. LastActivityAt never moves backwards.
type Lifecycle struct {
	Subject           Subject         `json:"subject"`
	Status            LifecycleStatus `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
	LastObservationAt *time.Time      `json:"last_observation_at,omitempty"`
	LastErrorAt       *time.Time      `json:"last_error_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
}

// NewLifecycle returns a summary in the created state.
func NewLifecycle(s Subject, at time.Time) *Lifecycle {
	return &Lifecycle{
		Subject:        s,
		Status:         StatusCreated,
		CreatedAt:      at,
		LastActivityAt: at,
	}
}

// Apply folds ev into the summary. Archived is sticky: later events still
// advance timestamps but never change the status.
func (l *Lifecycle) Apply(ev LifecycleEvent) error {
	next := l.Status
	switch ev.Kind {
	case EventCreated:
		if l.CreatedAt.IsZero() {
			l.CreatedAt = ev.At
		}
		next = StatusCreated
	case EventObservationStarted:
		next = StatusObserving
	case EventObservationCompleted:
		l.LastObservationAt = laterOf(l.LastObservationAt, ev.At)
		next = StatusStable
	case EventActivity:
	case EventDegraded:
		next = StatusDegraded
	case EventError:
		l.LastErrorAt = laterOf(l.LastErrorAt, ev.At)
		l.LastError = ev.Message
		next = StatusError
	case EventRecovered:
		next = StatusStable
	case EventArchived:
		next = StatusArchived
	default:
		return fmt.Errorf("lifecycle event %q: %w", ev.Kind, ErrInvalidEnum)
	}

	if ev.At.After(l.LastActivityAt) {
		l.LastActivityAt = ev.At
	}
	if l.Status != StatusArchived {
		l.Status = next
	}
	return nil
}

func laterOf(cur *time.Time, at time.Time) *time.Time {
	if cur != nil && !at.After(*cur) {
		return cur
	}
	t := at
	return &t
}
