package appctx

import (
	"context"
	"testing"
	"time"
)

func TestDetachedIgnoresParentCancellation(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	stop := make(chan struct{})
	ctx, cancel := Detached(parent, stop, time.Minute)
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
		t.Fatal("detached context followed parent cancellation")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetachedEndsOnStop(t *testing.T) {
	stop := make(chan struct{})
	ctx, cancel := Detached(context.Background(), stop, time.Minute)
	defer cancel()

	close(stop)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("detached context ignored the stop channel")
	}
}
