package relay_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/jdziat/job-relay"
)

func TestFacade_RunsWriteJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := relay.NewMemoryStore()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store.SetLogger(quiet)

	pg := relay.NewScriptedPage("goCopy code\npackage main\n")
	eng, err := relay.NewEngine(store, pg,
		relay.WithNamespace("chat.example.com"),
		relay.WithLogger(quiet),
		relay.WithConfig(relay.EngineConfig{
			PollInterval:  time.Millisecond,
			TickInterval:  time.Millisecond,
			ChunkDelay:    time.Millisecond,
			SubmitSettle:  time.Millisecond,
			TeardownGrace: time.Millisecond,
			BatchDelay:    time.Millisecond,
		}),
	)
	require.NoError(t, err)

	job, err := eng.Enqueue(ctx, relay.KindWrite, "main.go", "write a hello world")
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx, job.ID))
	require.NoError(t, eng.Run(ctx))

	got, err := store.Get(ctx, "chat.example.com", job.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.StatusDone, got.Status)

	snap, err := relay.TakeSnapshot(ctx, store, "chat.example.com")
	require.NoError(t, err)
	assert.Contains(t, snap.Jobs, job.ID)
}

func TestFacade_WireFormat(t *testing.T) {
	wire := relay.Encode("q_write_ab12_1", "./sandbox/a.go", "x|y")
	p, err := relay.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, relay.Payload{JobID: "q_write_ab12_1", FilePath: "./sandbox/a.go", Content: "x|y"}, p)

	kind, fp, err := relay.ParseFragment(relay.Fragment(relay.KindCommand, "q_command_ab12_1", "", "ls"))
	require.NoError(t, err)
	assert.Equal(t, relay.KindCommand, kind)
	assert.Equal(t, "ls", fp.Content)
}

func TestFacade_Errors(t *testing.T) {
	_, err := relay.NewEngine(nil, relay.NewScriptedPage())
	assert.ErrorIs(t, err, relay.ErrInvalidConfig)
}
