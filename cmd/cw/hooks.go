package main

import (
	"fmt"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/debug"
	"github.com/vanderheijden86/camwatch/pkg/hooks"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/session"
)

// hookJob pairs a sync event with the context its hooks receive.
type hookJob struct {
	event hooks.HookEvent
	ctx   hooks.ChangeContext
}

// hookRunner executes hooks off the dispatch goroutine, one event at a
// time. hooks.yaml is re-read per event, so edits apply without a restart.
type hookRunner struct {
	dir  string
	out  *printer
	ch   chan hookJob
	done chan struct{}
}

func newHookRunner(dir string, out *printer) *hookRunner {
	r := &hookRunner{
		dir:  dir,
		out:  out,
		ch:   make(chan hookJob, 16),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *hookRunner) run() {
	defer close(r.done)
	for job := range r.ch {
		start := time.Now()
		ex, err := hooks.RunHooks(r.dir, job.event, job.ctx, false)
		debug.Timing("hooks "+string(job.event), time.Since(start))
		switch {
		case err != nil && ex == nil:
			r.out.event("hooks", fmt.Sprintf("hooks disabled for this event: %v", err))
		case ex != nil && ex.Failed() > 0:
			r.out.event("hooks", ex.Summary())
		}
	}
}

// enqueue never blocks; a slow hook backlog drops events instead of
// stalling change dispatch.
func (r *hookRunner) enqueue(event hooks.HookEvent, ctx hooks.ChangeContext) {
	select {
	case r.ch <- hookJob{event: event, ctx: ctx}:
	default:
		r.out.event("hooks", fmt.Sprintf("hooks: queue full, dropped %s for %s", event, ctx.Resource))
	}
}

// stop lets the in-flight hook round finish, briefly.
func (r *hookRunner) stop() {
	close(r.ch)
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
}

func changeHookContext(c session.Change) hooks.ChangeContext {
	ctx := hooks.ChangeContext{
		Resource:    c.Resource,
		Fingerprint: c.Fingerprint,
		Previous:    c.PreviousFingerprint,
		Origin:      c.Origin.String(),
		At:          c.At,
	}
	if c.State != nil {
		ctx.Sequence = c.State.Sequence
	}
	state, err := c.State.Encode()
	if err != nil {
		state = []byte("null")
	}
	ctx.State = state
	return ctx
}

func degradedHookContext(resource model.Resource, st session.Status, detail string) hooks.ChangeContext {
	ctx := hooks.ChangeContext{
		Resource:    resource,
		Fingerprint: st.Fingerprint,
		Error:       detail,
		At:          time.Now(),
	}
	if st.State != nil {
		ctx.Sequence = st.State.Sequence
	}
	state, err := st.State.Encode()
	if err != nil {
		state = []byte("null")
	}
	ctx.State = state
	return ctx
}
