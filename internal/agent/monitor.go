package agent

import (
	"context"
	"time"
)

const monitorBackoff = time.Second

// RunMonitor consumes the engine's event stream and keeps the tracked set in
// sync with reality. On stream errors it backs off and resubscribes from the
// last seen event timestamp; the loop only exits when ctx is canceled.
func (r *Runtime) RunMonitor(ctx context.Context) {
	since := time.Now()
	for ctx.Err() == nil {
		events, err := r.engine.Events(ctx, since)
		if err != nil {
			r.logger.Warn().Err(err).Msg("engine event subscription failed, retrying")
			sleep(ctx, monitorBackoff)
			continue
		}
		for ev := range events {
			if ev.At.After(since) {
				since = ev.At
			}
			r.handleEvent(ev)
		}
		// Stream ended without cancellation: the engine dropped us.
		if ctx.Err() == nil {
			sleep(ctx, monitorBackoff)
		}
	}
}

func (r *Runtime) handleEvent(ev Event) {
	switch ev.Action {
	case EventActionStop, EventActionDie:
		r.mu.Lock()
		tracked, ok := r.byEngineID[ev.ContainerID]
		if ok {
			delete(r.byEngineID, ev.ContainerID)
			delete(r.containers, tracked.Name)
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		tracked.releaseResources()
		r.logger.Info().Str("container_id", ev.ContainerID).Str("container", tracked.Name).Msg("container stopped")
		r.notify(StateChange{Container: tracked, Running: false})
	case EventActionStart:
		r.mu.Lock()
		tracked, ok := r.byEngineID[ev.ContainerID]
		r.mu.Unlock()
		if !ok {
			return
		}
		r.notify(StateChange{Container: tracked, Running: true})
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
