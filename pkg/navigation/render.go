package navigation

import (
	"context"
	"log"
	"time"

	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
)

const renderTimeout = 10 * time.Second

type renderCmd struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{} // set for flush markers
}

// renderQueue runs render commands in order on its own goroutine so a slow
// or failing renderer never holds up position processing.
type renderQueue struct {
	r    provider.Renderer
	cmds chan renderCmd
	quit chan struct{}

	// Owned by the worker goroutine.
	self    provider.MarkerHandle
	hasSelf bool
}

func newRenderQueue(r provider.Renderer, size int) *renderQueue {
	if size <= 0 {
		size = 64
	}
	q := &renderQueue{
		r:    r,
		cmds: make(chan renderCmd, size),
		quit: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *renderQueue) run() {
	for {
		select {
		case <-q.quit:
			return
		case cmd := <-q.cmds:
			if cmd.done != nil {
				close(cmd.done)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), renderTimeout)
			if err := cmd.run(ctx); err != nil {
				log.Printf("render %s failed: %v", cmd.name, err)
			}
			cancel()
		}
	}
}

// push enqueues without blocking. A full queue drops the command.
func (q *renderQueue) push(name string, run func(ctx context.Context) error) {
	select {
	case q.cmds <- renderCmd{name: name, run: run}:
	default:
		log.Printf("render queue full, dropped %s", name)
	}
}

// flush waits until every command queued before it has run.
func (q *renderQueue) flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case q.cmds <- renderCmd{name: "flush", done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *renderQueue) close() {
	close(q.quit)
}

func (q *renderQueue) clear() {
	q.push("clear", func(ctx context.Context) error {
		return q.r.ClearRendered(ctx)
	})
}

func (q *renderQueue) path(points []geo.Waypoint, color string) {
	pts := append([]geo.Waypoint(nil), points...)
	q.push("path", func(ctx context.Context) error {
		return q.r.RenderPath(ctx, pts, color)
	})
}

func (q *renderQueue) walking(from, to geo.Waypoint, color string) {
	q.push("walking leg", func(ctx context.Context) error {
		return q.r.RenderWalkingPath(ctx, from, to, color)
	})
}

// moveSelf places or moves the traveller's marker.
func (q *renderQueue) moveSelf(p geo.Waypoint) {
	q.push("self marker", func(ctx context.Context) error {
		if q.hasSelf {
			if err := q.r.UpdateMarker(q.self, p); err == nil {
				return nil
			}
			// The surface lost the marker; place a new one.
			q.hasSelf = false
		}
		h, err := q.r.AddMarker(p, "You", true)
		if err != nil {
			return err
		}
		q.self, q.hasSelf = h, true
		return nil
	})
}

func (q *renderQueue) panTo(p geo.Waypoint) {
	q.push("pan", func(ctx context.Context) error {
		return q.r.PanTo(p)
	})
}
