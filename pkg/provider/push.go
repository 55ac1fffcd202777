package provider

import (
	"sync"
)

// PushWatcher is a PositionWatcher fed by Push, e.g. from an HTTP endpoint
// that a phone posts its position to. Fixes are delivered in push order.
type PushWatcher struct {
	mu       sync.Mutex
	next     WatchHandle
	watchers map[WatchHandle]func(PositionFix)
	last     *PositionFix
}

// NewPushWatcher creates a watcher with no subscribers.
func NewPushWatcher() *PushWatcher {
	return &PushWatcher{watchers: make(map[WatchHandle]func(PositionFix))}
}

// WatchPosition subscribes cb to every future fix.
func (w *PushWatcher) WatchPosition(cb func(PositionFix)) (WatchHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.watchers[w.next] = cb
	return w.next, nil
}

// ClearWatch removes a subscription. Unknown handles are ignored.
func (w *PushWatcher) ClearWatch(h WatchHandle) {
	w.mu.Lock()
	delete(w.watchers, h)
	w.mu.Unlock()
}

// Push delivers fix to every subscriber. Callbacks run on the caller's
// goroutine without the watcher lock held, so they may call ClearWatch.
func (w *PushWatcher) Push(fix PositionFix) {
	w.mu.Lock()
	w.last = &fix
	cbs := make([]func(PositionFix), 0, len(w.watchers))
	for _, cb := range w.watchers {
		cbs = append(cbs, cb)
	}
	w.mu.Unlock()

	for _, cb := range cbs {
		cb(fix)
	}
}

// Last returns the most recent fix.
func (w *PushWatcher) Last() (PositionFix, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return PositionFix{}, false
	}
	return *w.last, true
}

// Watching returns the number of active subscriptions.
func (w *PushWatcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watchers)
}
