package remote

import (
	"context"
	"log"
	"sync"
)

// feed runs one subscription: it coalesces change signals and, for each,
// loads a fresh snapshot and hands it to the handler on its own goroutine so
// that writers never run subscriber code.
type feed struct {
	load   func(ctx context.Context) (Snapshot, error)
	fn     Handler
	logger *log.Logger

	dirty  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newFeed(ctx context.Context, load func(ctx context.Context) (Snapshot, error), fn Handler, logger *log.Logger) *feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &feed{
		load:   load,
		fn:     fn,
		logger: logger,
		dirty:  make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	f.wg.Add(1)
	go f.run()

	// Initial snapshot.
	f.signal()
	return f
}

func (f *feed) signal() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

func (f *feed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.dirty:
			snap, err := f.load(f.ctx)
			if err != nil {
				if f.ctx.Err() == nil {
					f.logger.Printf("Failed to load snapshot: %v", err)
				}
				continue
			}
			if f.ctx.Err() != nil {
				return
			}
			f.fn(snap)
		}
	}
}

// stop cancels the feed and waits for an in-flight handler to return. It
// must not be called from inside the handler.
func (f *feed) stop() {
	f.once.Do(func() {
		f.cancel()
		f.wg.Wait()
	})
}
