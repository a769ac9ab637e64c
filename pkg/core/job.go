// Package core provides the domain models and interfaces for the relay packages.
package core

import (
	"time"

	"gorm.io/gorm"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusNew        JobStatus = "new"
	StatusInProgress JobStatus = "in_progress"
	StatusGenerating JobStatus = "generating"
	StatusAnalysis   JobStatus = "analysis"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
	StatusTimedOut   JobStatus = "timed_out"
)

// Terminal reports whether a job in this status is never resumed automatically.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusTimedOut
}

// JobKind is the kind segment of a job id.
type JobKind string

const (
	KindWrite    JobKind = "write"
	KindManifest JobKind = "manifest"
	KindCommand  JobKind = "command"
	KindStatus   JobKind = "status"
)

// Valid reports whether k is one of the known kinds.
func (k JobKind) Valid() bool {
	switch k {
	case KindWrite, KindManifest, KindCommand, KindStatus:
		return true
	}
	return false
}

// JobRecord is one unit of relayed work.
//
// Content is always flat text. Producers serialize structured values to a
// string before storing them.
type JobRecord struct {
	Namespace    string         `gorm:"primaryKey;size:255" json:"-" yaml:"-"`
	ID           string         `gorm:"primaryKey;size:255" json:"id" yaml:"id"`
	Kind         JobKind        `gorm:"index;size:20" json:"kind" yaml:"kind"`
	FilePath     string         `gorm:"size:1024" json:"filePath" yaml:"file_path"`
	Content      string         `gorm:"type:text" json:"content" yaml:"content"`
	Result       string         `gorm:"type:text" json:"result,omitempty" yaml:"result,omitempty"`
	Status       JobStatus      `gorm:"index;size:20;default:'new'" json:"status" yaml:"status"`
	RetryCount   int            `gorm:"default:0" json:"retryCount" yaml:"retry_count"`
	ParentID     string         `gorm:"index;size:255" json:"parentId,omitempty" yaml:"parent_id,omitempty"`
	Errors       []string       `gorm:"serializer:json" json:"errors,omitempty" yaml:"errors,omitempty"`
	DispatchedAt *time.Time     `json:"dispatchedAt,omitempty" yaml:"dispatched_at,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"createdAt" yaml:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updatedAt" yaml:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-" yaml:"-"` // tombstone, removed by Prune
}

// Tombstoned reports whether the record was deleted and awaits pruning.
func (j *JobRecord) Tombstoned() bool {
	return j != nil && j.DeletedAt.Valid
}

// Clone returns a deep copy of the record.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	c := *j
	if j.Errors != nil {
		c.Errors = append([]string(nil), j.Errors...)
	}
	if j.DispatchedAt != nil {
		t := *j.DispatchedAt
		c.DispatchedAt = &t
	}
	return &c
}

// Merge shallow-merges the non-zero fields of patch into j.
// This mirrors GORM's Updates(struct) semantics so every store behaves alike.
func (j *JobRecord) Merge(patch *JobRecord) {
	if patch == nil {
		return
	}
	if patch.Kind != "" {
		j.Kind = patch.Kind
	}
	if patch.FilePath != "" {
		j.FilePath = patch.FilePath
	}
	if patch.Content != "" {
		j.Content = patch.Content
	}
	if patch.Result != "" {
		j.Result = patch.Result
	}
	if patch.Status != "" {
		j.Status = patch.Status
	}
	if patch.RetryCount != 0 {
		j.RetryCount = patch.RetryCount
	}
	if patch.ParentID != "" {
		j.ParentID = patch.ParentID
	}
	if patch.Errors != nil {
		j.Errors = append([]string(nil), patch.Errors...)
	}
	if patch.DispatchedAt != nil {
		t := *patch.DispatchedAt
		j.DispatchedAt = &t
	}
}

// JobFilter narrows List results.
type JobFilter struct {
	Status   JobStatus
	Kind     JobKind
	ParentID string
	Limit    int
}

// Matches reports whether j satisfies the filter.
func (f JobFilter) Matches(j *JobRecord) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.ParentID != "" && j.ParentID != f.ParentID {
		return false
	}
	return true
}
