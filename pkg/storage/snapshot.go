package storage

import (
	"context"
	"fmt"

	"github.com/jdziat/job-relay/pkg/core"
)

// Snapshot assembles the full persisted layout of a namespace: its relay
// state joined with every live job keyed by id.
func Snapshot(ctx context.Context, store core.QueueStore, ns string) (*core.Snapshot, error) {
	st, err := store.State(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", ns, err)
	}
	jobs, err := store.List(ctx, ns, core.JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("list jobs %s: %w", ns, err)
	}

	snap := &core.Snapshot{RelayState: *st, Jobs: make(map[string]*core.JobRecord, len(jobs))}
	snap.Namespace = ns
	for _, j := range jobs {
		snap.Jobs[j.ID] = j
	}
	return snap, nil
}
