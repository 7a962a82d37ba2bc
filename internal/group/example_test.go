package group_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/ballast/internal/group"
)

func ExampleGroup_Wait() {
	g := group.New(context.Background())

	// Add a goroutine to the group.
	g.Go("worker", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return errors.New("timed out")
		}
	})

	// Wait for all goroutines to finish.
	if err := g.Wait(); err != nil {
		fmt.Println(err)
	}

	// Output: worker: timed out
}

func ExampleGroup_Wait_firstErrorWins() {
	g := group.New(context.Background())

	g.Go("listener", func(ctx context.Context) error {
		return errors.New("bind failed")
	})

	// The listener's failure cancels the context, and members that exit
	// because of that cancellation do not overwrite its error.
	g.Go("janitor", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil {
		fmt.Println(err)
	}

	// Output: listener: bind failed
}

func ExampleGroup_Wait_panic() {
	g := group.New(context.Background())

	g.Go("worker", func(ctx context.Context) error {
		panic("boom")
	})

	if err := g.Wait(); err != nil {
		fmt.Println(err)
	}

	// Output: worker: panic: boom
}

func ExampleGroup_Wait_shutdown() {
	ctx, cancel := context.WithCancel(context.Background())

	g := group.New(ctx)

	g.Go("server", func(ctx context.Context) error {
		fmt.Println("server started")
		defer fmt.Println("server stopped")
		<-ctx.Done()
		return ctx.Err()
	})

	time.AfterFunc(100*time.Millisecond, cancel)

	// Members that wind down because the group was told to stop are not
	// failures, so Wait returns nil.
	if err := g.Wait(); err != nil {
		fmt.Println(err)
	}

	// Output:
	// server started
	// server stopped
}
