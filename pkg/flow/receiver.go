package flow

import (
	"context"
	"sync"
)

// Delivery is a value (or a final error) read from the source `From`.
type Delivery[K comparable] struct {
	From K
	Msg  interface{}
	Err  error
}

// FanIn merges several `RawReceiver`s into a single thread-safe
// receiver, keeping track of which source each value came from.
//
// Values of a given source are delivered in order. Once a source fails,
// its error is delivered once and the source is not read anymore.
type FanIn[K comparable] struct {
	dec     Decoder
	sources map[K]RawReceiver

	readCh     chan Delivery[K]
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	closed bool
	lk     sync.Mutex
}

func NewFanIn[K comparable](dec Decoder, sources map[K]RawReceiver, bufferSize uint) *FanIn[K] {
	f := &FanIn[K]{
		dec:     dec,
		sources: make(map[K]RawReceiver, len(sources)),
		readCh:  make(chan Delivery[K], bufferSize),
		closeCh: make(chan struct{}),
	}

	for key, raw := range sources {
		f.sources[key] = raw
		f.mainLoopWg.Add(1)
		go f.run(key, raw)
	}

	return f
}

// Recv blocks until a source delivers something, ctx is done, or the
// fan-in is closed. Once closed, it always fails with `ErrFlowClosed`,
// even if deliveries are still buffered.
func (f *FanIn[K]) Recv(ctx context.Context) (Delivery[K], error) {
	select {
	case <-f.closeCh:
		return Delivery[K]{}, ErrFlowClosed
	default:
	}

	select {
	case <-ctx.Done():
		return Delivery[K]{}, ctx.Err()
	case <-f.closeCh:
		return Delivery[K]{}, ErrFlowClosed
	case elem := <-f.readCh:
		select {
		case <-f.closeCh:
			return Delivery[K]{}, ErrFlowClosed
		default:
		}
		return elem, nil
	}
}

// Close closes every source and waits for the readers to exit.
func (f *FanIn[K]) Close() error {
	f.lk.Lock()
	if f.closed {
		f.lk.Unlock()
		return nil
	}
	f.closed = true
	close(f.closeCh)
	f.lk.Unlock()

	for _, raw := range f.sources {
		_ = raw.Close()
	}
	f.mainLoopWg.Wait()
	return nil
}

func (f *FanIn[K]) run(key K, raw RawReceiver) {
	defer f.mainLoopWg.Done()
	for {
		elem, err := raw.Recv(f.dec)
		select {
		case <-f.closeCh:
			return
		default:
		}

		select {
		case <-f.closeCh:
			return
		case f.readCh <- Delivery[K]{From: key, Msg: elem, Err: err}:
		}
		if err != nil {
			return
		}
	}
}
