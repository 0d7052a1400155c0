package cortex

import (
	"context"
	"fmt"

	"github.com/SerjRs/cortex/router"
)

// Metadata keys the bridge threads through router jobs so results find
// their way back to the originating pending op and channel.
const (
	metaOpID         = "op_id"
	metaReplyChannel = "reply_channel"
	metaPriority     = "result_priority"
)

// Runtime is a Cortex and a Router wired together: sessions_spawn submits
// router jobs, and delivered results come back as envelopes on the router
// channel. Construct with NewRuntime, then Start.
type Runtime struct {
	Cortex *Cortex
	Router *router.Router
}

// NewRuntime builds both halves and wires the bridge in each direction.
// cortexCfg.OnSpawn and routerCfg.OnDelivered are overwritten.
func NewRuntime(cortexCfg Config, store Store, mem MemoryStore, routerCfg router.Config) (*Runtime, error) {
	rt := &Runtime{}

	routerCfg.OnDelivered = func(ctx context.Context, job router.Job) error {
		return rt.deliver(ctx, job)
	}
	r, err := router.New(routerCfg)
	if err != nil {
		return nil, err
	}

	cortexCfg.OnSpawn = RouterSpawn(r)
	c, err := New(cortexCfg, store, mem)
	if err != nil {
		return nil, err
	}

	rt.Cortex = c
	rt.Router = r
	return rt, nil
}

// Start starts the router first so spawned jobs have somewhere to go, then
// the cortex loop.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Router.Start(ctx); err != nil {
		return err
	}
	if err := rt.Cortex.Start(ctx); err != nil {
		stopCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = rt.Router.Stop(stopCtx)
		return err
	}
	return nil
}

// Stop stops the cortex loop first so no new jobs spawn, then the router.
func (rt *Runtime) Stop(ctx context.Context) error {
	cerr := rt.Cortex.Stop(ctx)
	rerr := rt.Router.Stop(ctx)
	if cerr != nil {
		return cerr
	}
	return rerr
}

// RouterSpawn adapts a Router into the SpawnFunc contract. The pending-op
// id rides in the job metadata so delivery can close the right op.
func RouterSpawn(r *router.Router) SpawnFunc {
	return func(ctx context.Context, params SpawnParams) (string, error) {
		if params.Task == "" {
			return "", fmt.Errorf("spawn: empty task")
		}
		meta := map[string]string{
			metaOpID:         params.TaskID,
			metaReplyChannel: params.ReplyChannel,
			metaPriority:     string(params.Priority),
		}
		return r.Submit(ctx, params.Task, params.Issuer, meta)
	}
}

// deliver turns one terminal router job into a bus envelope and closes its
// pending op. The envelope lands first; the op transition follows, so a
// crash in between re-delivers the job and the duplicate op update is
// harmless.
func (rt *Runtime) deliver(ctx context.Context, job router.Job) error {
	content := job.Result
	switch job.Status {
	case router.StatusFailed:
		content = "Error: " + job.FailReason
	case router.StatusCanceled:
		content = "Job canceled before execution."
	}

	prio := Priority(job.Metadata[metaPriority])
	if !prio.Valid() {
		prio = PriorityNormal
	}
	env := Envelope{
		Channel:  ChannelRouter,
		Sender:   Sender{ID: "router", Name: "router"},
		Content:  content,
		Priority: prio,
		Metadata: map[string]string{"job_id": job.ID},
	}
	if ch := job.Metadata[metaReplyChannel]; ch != "" {
		env.ReplyContext = &ReplyContext{Channel: ch}
	}
	if _, err := rt.Cortex.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("deliver job %s: %w", job.ID, err)
	}

	opID := job.Metadata[metaOpID]
	if opID == "" {
		return nil
	}
	var err error
	switch job.Status {
	case router.StatusFailed:
		err = rt.Cortex.store.FailPendingOp(ctx, opID, job.FailReason)
	case router.StatusCanceled:
		err = rt.Cortex.store.FailPendingOp(ctx, opID, "canceled")
	default:
		err = rt.Cortex.store.CompletePendingOp(ctx, opID, job.Result)
	}
	if err != nil {
		rt.Cortex.cfg.Logger.Error("bridge: pending op update failed", "op", opID, "job", job.ID, "error", err)
	}
	return nil
}
