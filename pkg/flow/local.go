package flow

import (
	"context"
	"sync"
)

// LocalFlow is an in-process flow. Both ends share the same value: the
// sender calls `Send`, the receiver calls `Recv`, and either may `Close`
// it, which breaks the flow for the other end.
type LocalFlow struct {
	data    chan interface{}
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

var _ RawSender = (*LocalFlow)(nil)
var _ RawReceiver = (*LocalFlow)(nil)

// NewLocalFlow allocates a flow buffering up to `bufferSize` values
// before `Send` blocks.
func NewLocalFlow(bufferSize uint) *LocalFlow {
	return &LocalFlow{
		data:    make(chan interface{}, bufferSize),
		closeCh: make(chan struct{}),
	}
}

func (fl *LocalFlow) Recv(_ Decoder) (interface{}, error) {
	elem, ok := <-fl.data
	if !ok {
		return nil, ErrFlowClosed
	}
	return elem, nil
}

func (fl *LocalFlow) Send(encoder Encoder, msg interface{}) error {
	return fl.SendContext(context.Background(), encoder, msg)
}

// SendContext blocks until `msg` is buffered, the flow is closed, or
// ctx is done. A nil encoder hands `msg` over as is.
func (fl *LocalFlow) SendContext(ctx context.Context, encoder Encoder, msg interface{}) error {
	fl.lk.Lock()
	if fl.closed {
		fl.lk.Unlock()
		return ErrFlowClosed
	}
	fl.wg.Add(1)
	defer fl.wg.Done()
	fl.lk.Unlock()

	toSend := msg
	if encoder != nil {
		var err error
		toSend, err = encoder.ProcessLocal(msg)
		if err != nil {
			return err
		}
	}

	select {
	case fl.data <- toSend:
		return nil
	case <-fl.closeCh:
		return ErrFlowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of values sent but not received yet.
func (fl *LocalFlow) Pending() int {
	return len(fl.data)
}

func (fl *LocalFlow) Closed() bool {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	return fl.closed
}

func (fl *LocalFlow) Close() error {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	close(fl.closeCh)
	fl.wg.Wait()
	close(fl.data)
	return nil
}
