package client

import (
	"bytes"
	"sync"
)

// ByteSource is a non-blocking view of the bytes received so far.
type ByteSource interface {
	// Buffered returns the number of bytes that can be read without waiting.
	Buffered() int
	// Read copies up to len(p) buffered bytes into p. It never waits for more.
	Read(p []byte) (int, error)
	// Discard drops up to n buffered bytes and returns how many were dropped.
	Discard(n int) int
}

// streamBuffer accumulates bytes written by a transport reader goroutine and
// hands them to the connection loop.
type streamBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *streamBuffer) append(p []byte) {
	b.mu.Lock()
	b.buf.Write(p)
	b.mu.Unlock()
}

func (b *streamBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *streamBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return 0, nil
	}
	return b.buf.Read(p)
}

func (b *streamBuffer) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.buf.Len() {
		n = b.buf.Len()
	}
	b.buf.Next(n)
	return n
}

func (b *streamBuffer) reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}
