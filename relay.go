// Package relay drives jobs through a chat page one tick at a time and fans
// manifest responses out into new page contexts.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	store, _ := relay.OpenStore("relay.db")
//	store.Migrate(ctx)
//
//	page := relay.NewScriptedPage("package main\n")
//	eng, _ := relay.NewEngine(store, page, relay.WithNamespace("chat.example.com"))
//
//	job, _ := eng.Enqueue(ctx, relay.KindWrite, "main.go", "write a hello world")
//	eng.Start(ctx, job.ID)
//	eng.Run(ctx)
package relay

import (
	"github.com/jdziat/job-relay/pkg/codec"
	"github.com/jdziat/job-relay/pkg/companion"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/dispatch"
	"github.com/jdziat/job-relay/pkg/engine"
	"github.com/jdziat/job-relay/pkg/page"
	"github.com/jdziat/job-relay/pkg/schedule"
	"github.com/jdziat/job-relay/pkg/storage"
)

type (
	// JobRecord is one unit of relayed work.
	JobRecord = core.JobRecord

	// JobStatus is the persisted status of a job.
	JobStatus = core.JobStatus

	// JobKind is the kind segment of a job id.
	JobKind = core.JobKind

	// JobFilter narrows store listings.
	JobFilter = core.JobFilter

	// RelayState is the per-namespace relay state.
	RelayState = core.RelayState

	// Ticket is an external work item whose description drives prompts.
	Ticket = core.Ticket

	// Snapshot is the full persisted layout of a namespace.
	Snapshot = core.Snapshot

	// QueueStore persists jobs and enforces the advisory lock.
	QueueStore = core.QueueStore

	// Page is the capability set the engine needs from a chat page.
	Page = core.Page

	// ResultSink receives settled jobs.
	ResultSink = core.ResultSink

	// Event is the interface for all engine events.
	Event = core.Event

	// JobStarted is emitted when the engine picks up a job.
	JobStarted = core.JobStarted

	// ChunkSent is emitted after each prompt chunk.
	ChunkSent = core.ChunkSent

	// JobGenerating is emitted when the page starts generating.
	JobGenerating = core.JobGenerating

	// JobParsed is emitted after a response was parsed.
	JobParsed = core.JobParsed

	// SubJobDispatched is emitted for every opened manifest item.
	SubJobDispatched = core.SubJobDispatched

	// JobCompleted is emitted when a job settles successfully.
	JobCompleted = core.JobCompleted

	// JobRetrying is emitted when a job goes down the retry edge.
	JobRetrying = core.JobRetrying

	// JobTimedOut is emitted when a job exceeds the global timeout.
	JobTimedOut = core.JobTimedOut

	// JobFailed is emitted when a job exhausts its retries.
	JobFailed = core.JobFailed

	// DecodeError reports a degraded decode.
	DecodeError = core.DecodeError

	// DispatchError wraps a failure to open a sub-job page.
	DispatchError = core.DispatchError

	// Engine relays one job at a time for a single page context.
	Engine = engine.Engine

	// EngineConfig holds the engine pacing knobs.
	EngineConfig = engine.Config

	// EngineOption configures an Engine.
	EngineOption = engine.Option

	// State is an engine state.
	State = engine.State

	// ParseResult is the outcome of parsing a response.
	ParseResult = engine.Result

	// Dispatcher opens manifest items in new page contexts.
	Dispatcher = dispatch.Dispatcher

	// Opener opens a URL as a window.
	Opener = dispatch.Opener

	// Payload is a decoded wire triple.
	Payload = codec.Payload

	// GormStore is the database-backed QueueStore.
	GormStore = storage.GormStore

	// MemoryStore is the in-process QueueStore.
	MemoryStore = storage.MemoryStore

	// CompanionClient reports to the companion server.
	CompanionClient = companion.Client

	// CompanionServer writes settled files into the sandbox.
	CompanionServer = companion.Server

	// Schedule computes the next run of a periodic task.
	Schedule = schedule.Schedule

	// Sweeper prunes tombstones on a schedule.
	Sweeper = schedule.Sweeper

	// ScriptedPage is an in-memory page for tests and dry runs.
	ScriptedPage = page.Scripted
)

const (
	StatusNew        = core.StatusNew
	StatusInProgress = core.StatusInProgress
	StatusGenerating = core.StatusGenerating
	StatusAnalysis   = core.StatusAnalysis
	StatusDone       = core.StatusDone
	StatusError      = core.StatusError
	StatusTimedOut   = core.StatusTimedOut

	KindWrite    = core.KindWrite
	KindManifest = core.KindManifest
	KindCommand  = core.KindCommand
	KindStatus   = core.KindStatus
)

// Errors.
var (
	ErrInvalidConfig          = core.ErrInvalidConfig
	ErrLockRejected           = core.ErrLockRejected
	ErrParseRecoveryExhausted = core.ErrParseRecoveryExhausted
	ErrGlobalTimeout          = core.ErrGlobalTimeout
	ErrJobNotFound            = core.ErrJobNotFound
	ErrBusy                   = core.ErrBusy
)

// Engine constructors and options.
var (
	NewEngine           = engine.New
	DefaultEngineConfig = engine.DefaultConfig
	WithConfig          = engine.WithConfig
	WithNamespace       = engine.WithNamespace
	WithOwner           = engine.WithOwner
	WithMaxRetries      = engine.WithMaxRetries
	WithDispatcher      = engine.WithDispatcher
	WithSink            = engine.WithSink
	WithCloser          = engine.WithCloser
	WithLogger          = engine.WithLogger
	ParseResponse       = engine.ParseResponse
)

// Stores.
var (
	OpenStore      = storage.Open
	NewGormStore   = storage.NewGormStore
	NewMemoryStore = storage.NewMemoryStore
	RetryLocked    = storage.RetryLocked
	TakeSnapshot   = storage.Snapshot
)

// Wire format.
var (
	Encode               = codec.Encode
	Decode               = codec.Decode
	Fragment             = codec.Fragment
	ParseFragment        = codec.ParseFragment
	NormalizeSandboxPath = codec.NormalizeSandboxPath
	MintJobID            = codec.MintJobID
)

// Pages, dispatch and companion.
var (
	NewScriptedPage    = page.NewScripted
	NewDispatcher      = dispatch.New
	NewDevToolsOpener  = dispatch.NewDevToolsOpener
	NewCompanionClient = companion.NewClient
	NewCompanionServer = companion.NewServer
	NewSweeper         = schedule.NewSweeper
	ParseSchedule      = schedule.Parse
)
