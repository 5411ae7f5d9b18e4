package syncer

import "github.com/pgviews/pgviews/internal/view"

// Status reports whether the object was created during this sync or already
// existed under the desired name.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusExists  Status = "EXISTS"
)

// Event is the immutable per-object notification emitted once a definition
// is finalized.
type Event struct {
	Definition *view.Definition
	Status     Status
	HasChanged bool
	Update     bool
	Force      bool
}

// Bus fans out sync notifications to registered handlers. Handlers run
// synchronously in registration order; per-object events fire in the order
// the scheduler finalizes each definition and the whole-run event fires last.
type Bus struct {
	viewSynced []func(Event)
	allSynced  []func()
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnViewSynced registers a handler for per-object events.
func (b *Bus) OnViewSynced(fn func(Event)) {
	b.viewSynced = append(b.viewSynced, fn)
}

// OnAllSynced registers a handler for the whole-run completion event.
func (b *Bus) OnAllSynced(fn func()) {
	b.allSynced = append(b.allSynced, fn)
}

func (b *Bus) emitViewSynced(ev Event) {
	for _, fn := range b.viewSynced {
		fn(ev)
	}
}

func (b *Bus) emitAllSynced() {
	for _, fn := range b.allSynced {
		fn()
	}
}
