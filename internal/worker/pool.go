package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// PanicError is reported in place of a job's result when the job panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// Pool runs jobs on at most size goroutines at a time.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go waits for a free slot, then runs job in the background and hands its
// result to done. A panicking job is reported to done as a *PanicError.
// Go returns ctx's error when ctx ends before a slot frees up; done is not
// called in that case.
func (p *Pool) Go(ctx context.Context, job func() error, done func(error)) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.call(job)
		<-p.sem
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (p *Pool) call(job func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return job()
}

// Busy reports how many slots are taken.
func (p *Pool) Busy() int {
	return len(p.sem)
}

// Wait blocks until every started job and its done callback returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
