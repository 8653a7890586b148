// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stream implements ordered execution contexts in the manner
// of device streams. Work submitted to a stream runs asynchronously
// with respect to the submitter but strictly in submission order
// within the stream. Streams synchronize with each other and with the
// caller only through event fences: a recorded event fires once all
// work submitted before it has completed, and a stream instructed to
// wait on an event stalls until it fires. There are no other
// synchronization primitives.
package stream

import "sync"

// An Event marks a point in a stream's work queue. It fires when all
// work submitted to the stream before the event was recorded has
// completed.
type Event struct {
	c chan struct{}
}

// Done returns a channel that is closed when the event fires.
func (e Event) Done() <-chan struct{} { return e.c }

// Wait blocks the caller until the event fires.
func (e Event) Wait() { <-e.c }

// fired is an event that has already fired. It is what Record returns
// on a closed stream.
var fired = func() Event {
	e := Event{c: make(chan struct{})}
	close(e.c)
	return e
}()

// A Stream is one ordered execution context. The zero value is not
// usable; use New.
type Stream struct {
	mu    sync.Mutex
	queue chan func()
	err   error
	done  chan struct{}
}

// New creates a stream and starts its executor.
func New() *Stream {
	s := &Stream{
		queue: make(chan func(), 128),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	for f := range s.queue {
		f()
	}
	close(s.done)
}

// Submit enqueues f on the stream. If a previously submitted function
// returned an error, f is skipped: the stream's work after a failure
// is abandoned, and the error surfaces from Sync. Submit blocks only
// if the stream's queue is full.
func (s *Stream) Submit(f func() error) {
	s.queue <- func() {
		s.mu.Lock()
		failed := s.err != nil
		s.mu.Unlock()
		if failed {
			return
		}
		if err := f(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Record enqueues an event marker and returns the event. The event
// fires when all work submitted before this call has completed.
func (s *Stream) Record() Event {
	e := Event{c: make(chan struct{})}
	s.queue <- func() { close(e.c) }
	return e
}

// WaitEvent stalls the stream until e fires. Work submitted after
// WaitEvent does not begin until then.
func (s *Stream) WaitEvent(e Event) {
	s.queue <- func() { <-e.c }
}

// Sync blocks until all previously submitted work has completed and
// returns the first error produced by any of it. The error is cleared
// so that the stream is reusable after the caller has handled it.
func (s *Stream) Sync() error {
	s.Record().Wait()
	s.mu.Lock()
	err := s.err
	s.err = nil
	s.mu.Unlock()
	return err
}

// Close drains the stream and stops its executor. Close must not be
// called concurrently with Submit.
func (s *Stream) Close() {
	close(s.queue)
	<-s.done
}

// A Pool is the engine's fixed set of streams: pipelineSize streams
// for per-bucket packing and unpacking work, round-robined by bucket
// index, plus one stream reserved for bulk collective communication.
type Pool struct {
	streams []*Stream
}

// NewPool creates a pool of pipelineSize+1 streams.
func NewPool(pipelineSize int) *Pool {
	p := &Pool{streams: make([]*Stream, pipelineSize+1)}
	for i := range p.streams {
		p.streams[i] = New()
	}
	return p
}

// Size returns the pool's pipeline size.
func (p *Pool) Size() int { return len(p.streams) - 1 }

// Pipeline returns the pipeline stream for bucket index i.
func (p *Pool) Pipeline(i int) *Stream {
	return p.streams[i%(len(p.streams)-1)]
}

// Comm returns the stream reserved for collective communication. All
// reduce-scatter and all-gather calls are serialized on this stream,
// keeping the collective issue order identical on every rank.
func (p *Pool) Comm() *Stream {
	return p.streams[len(p.streams)-1]
}

// SyncAll drains every stream in the pool and returns the first
// error.
func (p *Pool) SyncAll() error {
	var first error
	for _, s := range p.streams {
		if err := s.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every stream in the pool.
func (p *Pool) Close() {
	for _, s := range p.streams {
		s.Close()
	}
}
