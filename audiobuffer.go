package hume

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Default AudioBuffer bounds.
const (
	DefaultBufferChunks = 256
	DefaultBufferBytes  = 4 << 20
)

// ErrBufferClosed is returned by Push after the writer side was closed.
var ErrBufferClosed = errors.New("hume: audio buffer closed")

// AudioBuffer is a bounded FIFO of audio chunks shared by one producer and
// one consumer. Push blocks while the buffer is full and Pop blocks while it
// is empty. A chunk larger than the byte bound is still accepted once the
// buffer is empty, so a single oversized chunk cannot wedge the producer.
type AudioBuffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	head      int
	count     int
	size      int
	maxBytes  int
	closed    bool
	err       error
	changed   chan struct{}
	pushedAll int64
}

// NewAudioBuffer creates a buffer holding at most maxChunks chunks and
// maxBytes bytes. Non-positive values select the defaults.
func NewAudioBuffer(maxChunks, maxBytes int) *AudioBuffer {
	if maxChunks <= 0 {
		maxChunks = DefaultBufferChunks
	}
	if maxBytes <= 0 {
		maxBytes = DefaultBufferBytes
	}
	return &AudioBuffer{
		chunks:   make([][]byte, maxChunks),
		maxBytes: maxBytes,
		changed:  make(chan struct{}),
	}
}

// signal wakes every waiter. Callers hold mu.
func (b *AudioBuffer) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Push appends chunk, waiting for room. It fails with ErrBufferClosed after
// CloseWrite or CloseWithError, and with a CancelledError when ctx ends.
func (b *AudioBuffer) Push(ctx context.Context, chunk []byte) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBufferClosed
		}
		if b.count < len(b.chunks) && (b.count == 0 || b.size+len(chunk) <= b.maxBytes) {
			b.chunks[(b.head+b.count)%len(b.chunks)] = chunk
			b.count++
			b.size += len(chunk)
			b.pushedAll += int64(len(chunk))
			b.signal()
			b.mu.Unlock()
			return nil
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return &CancelledError{Err: ctx.Err()}
		}
	}
}

// Pop removes the oldest chunk, waiting for one to arrive. Once the writer
// side is closed and every chunk was returned it yields io.EOF, or the error
// given to CloseWithError.
func (b *AudioBuffer) Pop(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if b.count > 0 {
			chunk := b.chunks[b.head]
			b.chunks[b.head] = nil
			b.head = (b.head + 1) % len(b.chunks)
			b.count--
			b.size -= len(chunk)
			b.signal()
			b.mu.Unlock()
			return chunk, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &CancelledError{Err: ctx.Err()}
		}
	}
}

// CloseWrite marks the end of input. Buffered chunks remain readable.
func (b *AudioBuffer) CloseWrite() { b.CloseWithError(nil) }

// CloseWithError ends input; Pop returns err after the buffered chunks.
// Only the first close takes effect.
func (b *AudioBuffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.signal()
}

// Len returns the number of buffered chunks and bytes.
func (b *AudioBuffer) Len() (chunks, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.size
}

// Total returns the number of bytes pushed since creation.
func (b *AudioBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushedAll
}
