package snapshot

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/domain"
)

// Saver persists one server's registration.
type Saver interface {
	SaveServer(srv domain.ManagedServer) error
}

// Recorder writes registrations from a single goroutine. Record never blocks;
// a newer registration of a server replaces one still waiting, so the store
// always ends on the latest configuration.
type Recorder struct {
	store Saver
	log   *zap.Logger
	wake  chan struct{}

	mu      sync.Mutex
	pending map[string]domain.ManagedServer
	order   []string
}

// NewRecorder creates a recorder writing into store. Call Run to start it.
func NewRecorder(store Saver, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:   store,
		log:     logger.Named("snapshot"),
		wake:    make(chan struct{}, 1),
		pending: make(map[string]domain.ManagedServer),
	}
}

// Record queues srv for saving.
func (r *Recorder) Record(srv domain.ManagedServer) {
	r.mu.Lock()
	if _, queued := r.pending[srv.Name]; !queued {
		r.order = append(r.order, srv.Name)
	}
	r.pending[srv.Name] = srv
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run saves queued registrations until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case <-r.wake:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch, order := r.pending, r.order
	r.pending = make(map[string]domain.ManagedServer)
	r.order = nil
	r.mu.Unlock()

	for _, name := range order {
		if err := r.store.SaveServer(batch[name]); err != nil {
			r.log.Warn("failed to save server snapshot", zap.String("server", name), zap.Error(err))
		}
	}
}
