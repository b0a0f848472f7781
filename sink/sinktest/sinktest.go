// Package sinktest provides an in-memory publisher for tests.
package sinktest

import (
	"context"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload string
}

// Recorder keeps every published message. Fail, when set, is returned from
// Publish instead of recording.
type Recorder struct {
	ID   string
	Fail func(topic string) error

	mu       sync.Mutex
	messages []Message
	attempts int
	closed   bool
}

// NewRecorder returns a recorder named id.
func NewRecorder(id string) *Recorder {
	return &Recorder{ID: id}
}

func (r *Recorder) Name() string {
	return r.ID
}

func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.Fail != nil {
		if err := r.Fail(topic); err != nil {
			return err
		}
	}
	r.messages = append(r.messages, Message{Topic: topic, Payload: string(payload)})
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Messages returns a copy of everything recorded.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Topic returns the messages published on topic.
func (r *Recorder) Topic(topic string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Attempts counts Publish calls including failed ones.
func (r *Recorder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
