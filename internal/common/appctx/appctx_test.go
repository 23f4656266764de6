package appctx

import (
	"context"
	"testing"
	"time"
)

func TestDetachedSurvivesParentCancellation(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := Detached(parent, nil, time.Minute)
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
		t.Fatal("detached context cancelled with parent")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetachedCancelledByStopChannel(t *testing.T) {
	stopCh := make(chan struct{})
	ctx, cancel := Detached(context.Background(), stopCh, time.Minute)
	defer cancel()

	close(stopCh)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop channel did not cancel the context")
	}
}

func TestDetachedTimeout(t *testing.T) {
	ctx, cancel := Detached(context.Background(), nil, 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout did not cancel the context")
	}
}
