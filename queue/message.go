package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message wraps a payload with delivery bookkeeping.
type Message[T any] struct {
	ID        string    `json:"id"`
	Data      T         `json:"data"`
	Attempts  int       `json:"attempts"`
	MaxTries  int       `json:"max_tries"`
	CreatedAt time.Time `json:"created_at"`
	LastTry   time.Time `json:"last_try"`
}

// Worker processes one message.
type Worker[T any] interface {
	Process(ctx context.Context, msg Message[T]) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc[T any] func(ctx context.Context, msg Message[T]) error

func (f WorkerFunc[T]) Process(ctx context.Context, msg Message[T]) error {
	return f(ctx, msg)
}

func generateID() string {
	return uuid.NewString()
}
