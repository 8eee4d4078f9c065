package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_ScansWhenReadyMarkerAppears(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "alice"), 0o755))

	r := &Runner{Scanner: f.scan, Interval: time.Hour, Watch: true, Debounce: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// give the initial scan and watcher setup a moment
	time.Sleep(100 * time.Millisecond)
	f.deposit(t, "alice", "late", jpgs(2)...)

	assert.Eventually(t, func() bool { return f.reg.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_IntervalFallback(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "bob", "first", jpgs(1)...)

	results := make(chan *Result, 8)
	r := &Runner{
		Scanner:  f.scan,
		Interval: 20 * time.Millisecond,
		OnResult: func(res *Result, err error) {
			if err == nil {
				select {
				case results <- res:
				default:
				}
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	first := <-results
	assert.Equal(t, 1, first.Registered)
	f.deposit(t, "bob", "second", jpgs(1)...)
	assert.Eventually(t, func() bool { return f.reg.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestRunner_RejectsZeroInterval(t *testing.T) {
	r := &Runner{Scanner: newFixture(t).scan}
	assert.Error(t, r.Run(context.Background()))
}
