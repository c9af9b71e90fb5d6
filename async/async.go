// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package async sequences asynchronous token fetches. A [Future] settles
// exactly once; [Then] starts a second stage only after the first stage
// settled successfully, so stages of one chain never run in parallel.
package async

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// settle records the result. Only the first call has an effect.
func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Go runs fn on a new goroutine and returns a future for its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		f.settle(fn(ctx))
	}()
	return f
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.settle(v, nil)
	return f
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.settle(zero, err)
	return f
}

// Then returns a future for fn applied to the value of f. fn runs only after f
// settled without error; an error from f is passed through unchanged and fn
// is never called. If ctx ends before f settles the returned future settles
// with ctx.Err() and fn is never called.
func Then[T, U any](ctx context.Context, f *Future[T], fn func(context.Context, T) (U, error)) *Future[U] {
	next := newFuture[U]()
	go func() {
		var zero U
		v, err := f.Await(ctx)
		if err != nil {
			next.settle(zero, err)
			return
		}
		next.settle(fn(ctx, v))
	}()
	return next
}

// Done returns a channel that is closed once f has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until f settles or ctx ends. A result that is already
// available is returned even if ctx has also ended.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Notify calls cb exactly once, from a new goroutine, with the result of f, or
// with ctx.Err() if ctx ends first.
func (f *Future[T]) Notify(ctx context.Context, cb func(T, error)) {
	go func() {
		cb(f.Await(ctx))
	}()
}
