package server

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// Task is a background goroutine owned by a component instance.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	gid    atomic.Uint64 // goroutine running the task, 0 until it starts
}

func finishedTask() *Task {
	t := &Task{cancel: func() {}, done: make(chan struct{})}
	close(t.done)
	return t
}

func runTask(parent context.Context, logger *slog.Logger, fn func(ctx context.Context), exited func(*Task)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		t.gid.Store(goroutineID())
		defer close(t.done)
		defer cancel()
		defer exited(t)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("background task panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(ctx)
	}()
	return t
}

// Cancel cancels the task's context and waits for it to return. Called from
// the task's own goroutine, for example when the task closes its session, it
// only cancels.
func (t *Task) Cancel() {
	t.cancel()
	if t.gid.Load() == goroutineID() {
		return
	}
	<-t.done
}

// Done is closed when the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// goroutineID returns the ID of the calling goroutine, parsed from the
// header line of its stack trace ("goroutine <id> [...").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
