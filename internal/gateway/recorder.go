// ABOUTME: Adapter that writes finished dispatches to the audit store
// ABOUTME: Converts dispatch results into store records without payloads

package gateway

import (
	"context"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/store"
)

// storeRecorder implements dispatch.Recorder on top of a store.Store.
type storeRecorder struct {
	store store.Store
}

func (r storeRecorder) RecordDispatch(ctx context.Context, cmd *dispatch.Command, res *dispatch.Result) error {
	return r.store.SaveDispatch(ctx, dispatchRecord(cmd, res))
}

func dispatchRecord(cmd *dispatch.Command, res *dispatch.Result) *store.DispatchRecord {
	rec := &store.DispatchRecord{
		ID:         res.CommandID.String(),
		Verb:       string(res.Verb),
		Args:       cmd.Args,
		Selector:   cmd.Targets.String(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	for _, id := range res.AgentIDs() {
		o := res.Outcomes[id]
		rec.Outcomes = append(rec.Outcomes, store.OutcomeRecord{
			AgentID:  id,
			Status:   string(o.Status),
			Reason:   o.Reason,
			Location: o.Location,
			Bytes:    o.Bytes,
		})
	}
	return rec
}
