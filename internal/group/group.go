// Package group manages the lifecycle of a set of long-running goroutines.
package group

import (
	"context"
	"fmt"
	"sync"
)

// Group runs named goroutines from a common context. The first member to
// return (or panic) cancels the context, which tells the remaining members
// to wind down.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup

	errOnce sync.Once
	err     error
}

// New creates a group rooted at ctx.
func New(ctx context.Context) *Group {
	if ctx == nil {
		ctx = context.Background()
	}
	g := &Group{}
	g.ctx, g.cancel = context.WithCancel(ctx)
	return g
}

// Go starts fn as a member of the group. The name tags the error when fn is
// the member that brings the group down. fn must return promptly once the
// context passed to it is canceled.
func (g *Group) Go(name string, fn func(context.Context) error) {
	g.done.Add(1)
	go func() {
		defer g.done.Done()
		defer g.cancel()
		defer func() {
			if r := recover(); r != nil {
				g.errOnce.Do(func() {
					g.err = fmt.Errorf("%s: panic: %v", name, r)
				})
			}
		}()
		if err := fn(g.ctx); err != nil && g.ctx.Err() == nil {
			g.errOnce.Do(func() {
				g.err = fmt.Errorf("%s: %w", name, err)
			})
		}
	}()
}

// Wait blocks until every member has exited and returns the error from the
// member that triggered shutdown, if any.
func (g *Group) Wait() error {
	g.done.Wait()
	return g.err
}
