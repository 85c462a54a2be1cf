// Package supervisor runs long-lived tasks under a restart-with-backoff
// policy, propagating fatal exceptions instead of restarting past them
// (spec.md §4.10).
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// Fatal wraps an error that must not be retried; the supervisor propagates
// it to the group and triggers orderly shutdown (spec.md §4.6 failure
// policy, §4.10 "Exceptions declared fatal").
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

// IsFatal reports whether err (or something it wraps) is a Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// Spec describes one supervised task.
type Spec struct {
	Name               string
	Run                func(ctx context.Context) error
	MaxRestartsInWindow int
	WindowSeconds       float64
	MinBackoff          time.Duration
	MaxBackoff          time.Duration
}

func (s *Spec) withDefaults() Spec {
	out := *s
	if out.MaxRestartsInWindow == 0 {
		out.MaxRestartsInWindow = 10
	}
	if out.WindowSeconds == 0 {
		out.WindowSeconds = 60
	}
	if out.MinBackoff == 0 {
		out.MinBackoff = 250 * time.Millisecond
	}
	if out.MaxBackoff == 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// Group runs a fixed set of supervised tasks concurrently. If any task
// returns a Fatal error, Run cancels the remaining tasks and returns that
// error; otherwise Run blocks until ctx is cancelled.
type Group struct {
	specs []Spec
	state *runtimestate.State
}

// New returns a Group that will supervise specs, recording stats into state.
func New(state *runtimestate.State, specs ...Spec) *Group {
	return &Group{specs: specs, state: state}
}

// Run launches every task and blocks until ctx is cancelled or a fatal
// error propagates.
func (g *Group) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatalCh := make(chan error, len(g.specs))

	for _, spec := range g.specs {
		spec := spec.withDefaults()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.superviseOne(ctx, spec); err != nil {
				select {
				case fatalCh <- err:
				default:
				}
				cancel()
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case err := <-fatalCh:
		cancel()
		<-done
		return err
	case <-done:
		return nil
	case <-ctx.Done():
		<-done
		select {
		case err := <-fatalCh:
			return err
		default:
			return nil
		}
	}
}

// superviseOne restarts spec.Run with doubling backoff until ctx is
// cancelled, the restart window is exceeded, or a Fatal error surfaces.
func (g *Group) superviseOne(ctx context.Context, spec Spec) error {
	backoff := spec.MinBackoff
	windowStart := time.Now()
	restartsInWindow := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := spec.Run(ctx)

		if err == nil {
			if ctx.Err() != nil {
				return nil
			}
			// A clean return from a long-lived task is itself unusual;
			// treat it as worth restarting after the normal backoff.
		}

		if err != nil && IsFatal(err) {
			log.Printf("supervisor: task %q failed fatally: %v", spec.Name, err)
			if g.state != nil {
				g.state.Supervisor.Record(spec.Name, restartsInWindow, time.Now().Unix(), err.Error(), backoff.Seconds(), true)
			}
			return err
		}

		if err != nil {
			log.Printf("supervisor: task %q exited: %v", spec.Name, err)
		}

		ran := time.Since(started)
		if ran > spec.MaxBackoff {
			backoff = spec.MinBackoff
		}

		if time.Since(windowStart).Seconds() > spec.WindowSeconds {
			windowStart = time.Now()
			restartsInWindow = 0
		}
		restartsInWindow++
		if g.state != nil {
			g.state.Supervisor.Record(spec.Name, restartsInWindow, time.Now().Unix(), errString(err), backoff.Seconds(), false)
		}
		if restartsInWindow > spec.MaxRestartsInWindow {
			log.Printf("supervisor: task %q exceeded %d restarts in %.0fs window, giving up", spec.Name, spec.MaxRestartsInWindow, spec.WindowSeconds)
			return &Fatal{Err: err}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > spec.MaxBackoff {
			backoff = spec.MaxBackoff
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
