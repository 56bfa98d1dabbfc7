// Copyright 2019 Google LLC
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

// Package poll runs sync cycles on a fixed interval.
package poll

import (
	"context"
	gosync "sync"
	"time"

	"github.com/matta/foldermirror/internal/folder"
	"github.com/matta/foldermirror/internal/persist"
	"github.com/matta/foldermirror/internal/recency"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Options configures a Poller.
type Options struct {
	// The engine settings.  A nil Sync.Logger is replaced by Logger.
	Sync sync.Options

	// Time between the end of one cycle and the start of the next.
	Interval time.Duration

	// Most items saved per cycle.
	MaxItems int

	// Most items saved by the first cycle; zero means MaxItems.
	InitialMaxItems int

	// Run a single cycle and return its error.
	Once bool

	Logger sync.Logger
}

// Status describes the last completed cycle.
type Status struct {
	CycleID  string
	Started  time.Time
	Finished time.Time
	Saved    int

	// The error of the cycle, empty on success.
	Err string

	// Path of the mirrored folder and the target directory; empty
	// until the engine has been built.
	Folder string
	Dir    string

	Watermark persist.Watermark
}

// Poller drives an engine: one cycle at once, then one per interval.
type Poller struct {
	src    sync.Source
	sink   sync.Sink
	opts   Options
	logger sync.Logger
	now    func() time.Time
	newID  func() string

	engine *sync.Engine

	// The source must reconnect before the next cycle.
	stale bool

	mu     gosync.Mutex
	status Status
	saved  []time.Time
}

// New returns a Poller for src and sink.
func New(src sync.Source, sink sync.Sink, opts Options) (*Poller, error) {
	if opts.MaxItems <= 0 {
		return nil, errors.Errorf("max items must be positive, got %d", opts.MaxItems)
	}
	if opts.InitialMaxItems < 0 {
		return nil, errors.Errorf("initial max items must not be negative, got %d", opts.InitialMaxItems)
	}
	if !opts.Once && opts.Interval <= 0 {
		return nil, errors.Errorf("interval must be positive, got %v", opts.Interval)
	}
	if opts.InitialMaxItems == 0 {
		opts.InitialMaxItems = opts.MaxItems
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	if opts.Sync.Logger == nil {
		opts.Sync.Logger = logger
	}
	return &Poller{
		src:    src,
		sink:   sink,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Run runs cycles until ctx is done.  A cycle in progress is finished
// first; cancellation is only observed while waiting.  Run returns
// early with the error of a cycle when the folder does not exist, and
// after the first cycle when Options.Once is set.
func (p *Poller) Run(ctx context.Context) error {
	defer p.close()

	maxItems := p.opts.InitialMaxItems
	timer := time.NewTimer(p.opts.Interval)
	timer.Stop()
	defer timer.Stop()
	for {
		err := p.cycle(context.WithoutCancel(ctx), maxItems)
		if p.opts.Once {
			return err
		}
		if folder.IsNotFound(err) {
			return err
		}
		maxItems = p.opts.MaxItems

		timer.Reset(p.opts.Interval)
		select {
		case <-ctx.Done():
			p.logger.Printf("poller stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
		}
	}
}

// cycle runs one batch and records its outcome.
func (p *Poller) cycle(ctx context.Context, maxItems int) error {
	st := Status{CycleID: p.newID(), Started: p.now()}
	n, err := p.syncOnce(ctx, maxItems)
	st.Finished = p.now()
	st.Saved = n
	if p.engine != nil {
		st.Folder = p.engine.Path()
		st.Dir = p.engine.Dir()
		st.Watermark = p.engine.Watermark()
	}

	var sinkErr *sync.SinkWriteError
	switch {
	case err == nil:
	case sync.IsUnavailable(err):
		p.stale = true
		p.logger.Printf("cycle %s: source unavailable, reconnecting next cycle: %v", st.CycleID, err)
	case errors.As(err, &sinkErr):
		p.logger.Printf("cycle %s: batch abandoned, retrying next cycle: %v", st.CycleID, err)
	default:
		p.logger.Printf("cycle %s: %v", st.CycleID, err)
	}
	if err != nil {
		st.Err = err.Error()
	}

	p.mu.Lock()
	for i := 0; i < n; i++ {
		p.saved = append(p.saved, st.Finished)
	}
	p.status = st
	report := recency.Summarize(p.now(), p.saved)
	p.mu.Unlock()

	if err == nil {
		p.logger.Printf("cycle %s: saved %d items", st.CycleID, n)
	}
	for _, line := range report.Lines() {
		p.logger.Printf("  %s", line)
	}
	return err
}

// syncOnce reconnects the source if needed, builds the engine on first
// use and runs one batch.
func (p *Poller) syncOnce(ctx context.Context, maxItems int) (int, error) {
	if p.stale || !p.src.Available(ctx) {
		p.logger.Printf("reconnecting to source")
		if err := p.src.Reconnect(ctx); err != nil {
			return 0, sync.Unavailable(errors.Wrap(err, "reconnecting"))
		}
		// A failed Reset leaves the engine without a folder.  Drop it
		// so the next cycle reconnects and builds a new one.
		if p.engine != nil {
			if err := p.engine.Reset(ctx); err != nil {
				p.close()
				p.stale = true
				return 0, err
			}
		}
		p.stale = false
	}
	if p.engine == nil {
		e, err := sync.New(ctx, p.src, p.sink, p.opts.Sync)
		if err != nil {
			return 0, err
		}
		p.engine = e
	}
	return p.engine.Sync(ctx, maxItems)
}

func (p *Poller) close() {
	if p.engine == nil {
		return
	}
	if err := p.engine.Close(); err != nil {
		p.logger.Printf("closing engine: %v", err)
	}
	p.engine = nil
}

// Status returns the outcome of the last cycle.  It is safe to call
// while Run is running.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Report summarizes the items saved since the Poller started.  It is
// safe to call while Run is running.
func (p *Poller) Report() recency.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return recency.Summarize(p.now(), p.saved)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
