package core

import (
	"sort"
	"strings"
	"time"
)

// RelayStatus is the play/pause switch of a page context's relay loop.
type RelayStatus string

const (
	RelayPlay   RelayStatus = "play"
	RelayPaused RelayStatus = "paused"
)

// MaxEventLog bounds the persisted event log.
const MaxEventLog = 200

// Ticket is an external work item. The relay only reads its description.
type Ticket struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Status      string `json:"status,omitempty" yaml:"status,omitempty"`
	Summary     string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Description string `json:"description" yaml:"description"`
}

// EventRecord is the persisted form of an Event.
type EventRecord struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id" yaml:"id"`
	Namespace string    `gorm:"index;size:255" json:"-" yaml:"-"`
	Type      string    `gorm:"size:50" json:"type" yaml:"type"`
	JobID     string    `gorm:"index;size:255" json:"jobId,omitempty" yaml:"job_id,omitempty"`
	State     string    `gorm:"size:50" json:"state,omitempty" yaml:"state,omitempty"`
	Message   string    `gorm:"type:text" json:"message,omitempty" yaml:"message,omitempty"`
	At        time.Time `gorm:"index" json:"at" yaml:"at"`
}

// RelayState is the single namespaced record kept per page origin.
// Jobs live in their own table and are joined in by Snapshot.
type RelayState struct {
	Namespace    string            `gorm:"primaryKey;size:255" json:"namespace" yaml:"namespace"`
	Status       RelayStatus       `gorm:"size:20;default:'play'" json:"status" yaml:"status"`
	Locked       bool              `gorm:"default:false" json:"locked" yaml:"locked"`
	LockedBy     string            `gorm:"size:255" json:"lockedBy,omitempty" yaml:"locked_by,omitempty"`
	LockOverride bool              `gorm:"default:false" json:"lockOverride" yaml:"lock_override"`
	LockScoped   bool              `gorm:"default:false" json:"lockScoped,omitempty" yaml:"lock_scoped,omitempty"` // held by a WithLock call, not Acquire
	Title        string            `gorm:"size:255" json:"title,omitempty" yaml:"title,omitempty"`
	Tickets      map[string]Ticket `gorm:"serializer:json" json:"tickets" yaml:"tickets"`
	Events       []EventRecord     `gorm:"-" json:"events" yaml:"events"` // newest last, loaded from its own table
	RunCount     int               `gorm:"default:0" json:"runCount" yaml:"run_count"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updatedAt" yaml:"updated_at"`
}

// Snapshot is the full persisted layout of one namespace.
type Snapshot struct {
	RelayState `yaml:",inline"`
	Jobs       map[string]*JobRecord `json:"jobs" yaml:"jobs"`
}

// ActiveTicket picks the ticket whose prompt material drives the next job.
// The ticket keyed by Title wins when its description is non-blank;
// otherwise the first ticket by key with a non-blank description.
func (s *RelayState) ActiveTicket() *Ticket {
	if s == nil || len(s.Tickets) == 0 {
		return nil
	}
	if t, ok := s.Tickets[s.Title]; ok && s.Title != "" && strings.TrimSpace(t.Description) != "" {
		return &t
	}
	keys := make([]string, 0, len(s.Tickets))
	for k := range s.Tickets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := s.Tickets[k]
		if strings.TrimSpace(t.Description) != "" {
			return &t
		}
	}
	return nil
}

// Sequence is the per-hash run counter used when minting job ids.
type Sequence struct {
	Namespace string `gorm:"primaryKey;size:255"`
	Hash      string `gorm:"primaryKey;size:32"`
	Value     int    `gorm:"default:0"`
}

// Clone returns a deep copy of the state.
func (s *RelayState) Clone() *RelayState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Tickets != nil {
		c.Tickets = make(map[string]Ticket, len(s.Tickets))
		for k, v := range s.Tickets {
			c.Tickets[k] = v
		}
	}
	if s.Events != nil {
		c.Events = append([]EventRecord(nil), s.Events...)
	}
	return &c
}
