package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerExecutesTasks(t *testing.T) {
	runner, err := NewRunner(RunnerConfig{Size: 2})
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	defer runner.Close()

	var waitGroup sync.WaitGroup
	var executed atomic.Int32
	for index := 0; index < 2; index++ {
		waitGroup.Add(1)
		accepted := runner.Go("count", func(ctx context.Context) error {
			defer waitGroup.Done()
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("expected a bounded task context")
			}
			executed.Add(1)
			return nil
		})
		if !accepted {
			waitGroup.Done()
		}
	}
	waitGroup.Wait()
	if executed.Load() == 0 {
		t.Fatalf("expected tasks to run")
	}
}

func TestRunnerDropsWhenSaturated(t *testing.T) {
	var dropped atomic.Int32
	runner, err := NewRunner(RunnerConfig{Size: 1, OnDrop: func(string) { dropped.Add(1) }})
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	defer runner.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if !runner.Go("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	}) {
		t.Fatalf("expected the first task to be accepted")
	}
	<-started

	if runner.Go("overflow", func(context.Context) error { return nil }) {
		t.Fatalf("expected the saturated pool to drop the task")
	}
	close(release)
	if dropped.Load() != 1 {
		t.Fatalf("expected one dropped task, got %d", dropped.Load())
	}
}

func TestRunnerReportsFailedTasks(t *testing.T) {
	failed := make(chan string, 1)
	runner, err := NewRunner(RunnerConfig{Size: 1, OnDrop: func(name string) { failed <- name }})
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	defer runner.Close()

	runner.Go("voice", func(context.Context) error { return errors.New("synthesizer down") })
	select {
	case name := <-failed:
		if name != "voice" {
			t.Fatalf("unexpected task name %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the failure to be reported")
	}
}

func TestNilRunnerRejects(t *testing.T) {
	var runner *Runner
	if runner.Go("noop", func(context.Context) error { return nil }) {
		t.Fatalf("nil runner must not accept tasks")
	}
	if err := runner.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}
