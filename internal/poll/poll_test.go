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

package poll

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matta/foldermirror/internal/folder"
	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

var base = time.Date(2019, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	inbox *message.Node
	root  *message.Node

	// Received times in minutes after base, newest first.
	items []int

	down        bool
	failItems   int
	failDefault int
	reconnects  int
}

func newFakeSource(items ...int) *fakeSource {
	inbox := message.NewNode("Inbox")
	return &fakeSource{
		inbox: inbox,
		root:  message.NewNode("root", inbox),
		items: items,
	}
}

func (s *fakeSource) RootFolder(ctx context.Context) (message.Folder, error) {
	return s.root, nil
}

func (s *fakeSource) DefaultFolder(ctx context.Context) (message.Folder, error) {
	if s.failDefault > 0 {
		s.failDefault--
		return nil, errors.New("401 unauthorized")
	}
	return s.inbox, nil
}

func (s *fakeSource) Items(ctx context.Context, f message.Folder, handler func(*message.Item) error) error {
	if s.failItems > 0 {
		s.failItems--
		s.down = true
		return sync.Unavailable(errors.New("connection reset by peer"))
	}
	for _, m := range s.items {
		item := &message.Item{
			ID:         fmt.Sprint(m),
			ReceivedAt: base.Add(time.Duration(m) * time.Minute),
		}
		if err := handler(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Available(ctx context.Context) bool {
	return !s.down
}

func (s *fakeSource) Reconnect(ctx context.Context) error {
	s.reconnects++
	s.down = false
	return nil
}

type fakeSink struct {
	ids   []string
	fails int
}

func (s *fakeSink) Persist(ctx context.Context, seq int64, item *message.Item) error {
	if s.fails > 0 {
		s.fails--
		return errors.New("disk full")
	}
	s.ids = append(s.ids, fmt.Sprintf("%d:%s", seq, item.ID))
	return nil
}

type logRecorder struct{ lines []string }

func (l *logRecorder) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func newPoller(t *testing.T, src *fakeSource, sink *fakeSink, opts Options) *Poller {
	t.Helper()
	if opts.Sync.FolderName == "" {
		opts.Sync.FolderName = "inbox"
	}
	opts.Sync.SaveDirectory = t.TempDir()
	if opts.MaxItems == 0 {
		opts.MaxItems = 10
	}
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	p, err := New(src, sink, opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	n := 0
	p.newID = func() string {
		n++
		return fmt.Sprintf("cycle-%d", n)
	}
	t.Cleanup(p.close)
	return p
}

func TestRunOnceUsesInitialBatch(t *testing.T) {
	src := newFakeSource(3, 2, 1)
	sink := &fakeSink{}
	p := newPoller(t, src, sink, Options{Once: true, InitialMaxItems: 2})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if diff := cmp.Diff([]string{"1:2", "2:3"}, sink.ids); diff != "" {
		t.Errorf("saved mismatch (-want +got):\n%s", diff)
	}
	st := p.Status()
	if st.CycleID != "cycle-1" || st.Saved != 2 || st.Err != "" || st.Folder != "Inbox" {
		t.Errorf("Status() = %+v, want cycle-1 saving 2 items from Inbox", st)
	}
	if st.Watermark.LastSequence != 2 {
		t.Errorf("Status().Watermark = %v, want sequence 2", st.Watermark)
	}
	if got := p.Report().Total; got != 2 {
		t.Errorf("Report().Total = %d, want 2", got)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	src := newFakeSource(1)
	sink := &fakeSink{}
	p := newPoller(t, src, sink, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil after cancellation", err)
	}
	if len(sink.ids) != 1 {
		t.Errorf("saved %v, want the first cycle to complete", sink.ids)
	}
}

func TestRunFolderNotFound(t *testing.T) {
	p := newPoller(t, newFakeSource(), &fakeSink{}, Options{Sync: sync.Options{FolderName: "Nope"}})
	err := p.Run(context.Background())
	if !folder.IsNotFound(err) {
		t.Errorf("Run() = %v, want a folder not found error", err)
	}
	if p.Status().Err == "" {
		t.Errorf("Status().Err is empty, want the error")
	}
}

func TestCycleReconnectsWhenUnavailable(t *testing.T) {
	src := newFakeSource(2, 1)
	src.down = true
	sink := &fakeSink{}
	p := newPoller(t, src, sink, Options{})
	if err := p.cycle(context.Background(), 10); err != nil {
		t.Fatalf("cycle() = %v", err)
	}
	if src.reconnects != 1 || len(sink.ids) != 2 {
		t.Errorf("reconnects = %d, saved %v; want 1 reconnect and 2 items", src.reconnects, sink.ids)
	}
}

func TestCycleRecoversFromLostConnection(t *testing.T) {
	src := newFakeSource(2, 1)
	src.failItems = 1
	sink := &fakeSink{}
	p := newPoller(t, src, sink, Options{})

	err := p.cycle(context.Background(), 10)
	if !sync.IsUnavailable(err) {
		t.Fatalf("cycle() = %v, want the source to be unavailable", err)
	}
	if !p.stale {
		t.Errorf("poller not marked for reconnect after losing the source")
	}
	if err := p.cycle(context.Background(), 10); err != nil {
		t.Fatalf("second cycle() = %v", err)
	}
	if src.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", src.reconnects)
	}
	if diff := cmp.Diff([]string{"1:1", "2:2"}, sink.ids); diff != "" {
		t.Errorf("saved mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleContinuesAfterSinkFailure(t *testing.T) {
	src := newFakeSource(2, 1)
	sink := &fakeSink{fails: 1}
	p := newPoller(t, src, sink, Options{})

	err := p.cycle(context.Background(), 10)
	var we *sync.SinkWriteError
	if !errors.As(err, &we) || we.Sequence != 1 {
		t.Fatalf("cycle() = %v, want a write error for item 1", err)
	}
	if st := p.Status(); st.Saved != 0 || st.Err == "" {
		t.Errorf("Status() = %+v, want nothing saved and the error", st)
	}
	if err := p.cycle(context.Background(), 10); err != nil {
		t.Fatalf("second cycle() = %v", err)
	}
	if diff := cmp.Diff([]string{"1:1", "2:2"}, sink.ids); diff != "" {
		t.Errorf("saved mismatch (-want +got):\n%s", diff)
	}
	if got := p.Status().CycleID; got != "cycle-2" {
		t.Errorf("Status().CycleID = %q, want cycle-2", got)
	}
}

func TestReportCountsEverySavedItem(t *testing.T) {
	src := newFakeSource(2, 1)
	p := newPoller(t, src, &fakeSink{}, Options{})
	p.now = func() time.Time { return base }
	if err := p.cycle(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	src.items = append([]int{4, 3}, src.items...)
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := p.cycle(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"saved 4 items, newest 0s ago, oldest 2m0s ago",
		"1 min: 2",
		"3 min: 4",
	}
	if diff := cmp.Diff(want, p.Report().Lines()); diff != "" {
		t.Errorf("Report().Lines() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	cases := []Options{
		{MaxItems: 0, Interval: time.Minute},
		{MaxItems: 1, InitialMaxItems: -1, Interval: time.Minute},
		{MaxItems: 1},
	}
	for _, opts := range cases {
		if _, err := New(newFakeSource(), &fakeSink{}, opts); err == nil {
			t.Errorf("New(%+v) = nil error, want an error", opts)
		}
	}
}

func TestCycleRebuildsEngineAfterFailedReset(t *testing.T) {
	src := newFakeSource(1)
	sink := &fakeSink{}
	p := newPoller(t, src, sink, Options{})
	ctx := context.Background()
	if err := p.cycle(ctx, 10); err != nil {
		t.Fatalf("first cycle() = %v", err)
	}

	src.down = true
	src.failDefault = 1
	if err := p.cycle(ctx, 10); err == nil {
		t.Fatalf("cycle() with a failing reset = nil, want an error")
	}
	if p.engine != nil {
		t.Errorf("engine kept after a failed reset")
	}

	src.items = append([]int{2}, src.items...)
	if err := p.cycle(ctx, 10); err != nil {
		t.Fatalf("cycle() after a failed reset = %v", err)
	}
	if diff := cmp.Diff([]string{"1:1", "2:2"}, sink.ids); diff != "" {
		t.Errorf("saved mismatch (-want +got):\n%s", diff)
	}
	if src.reconnects != 2 {
		t.Errorf("reconnects = %d, want 2", src.reconnects)
	}
}

func TestFailedCycleLogsReport(t *testing.T) {
	log := &logRecorder{}
	p := newPoller(t, newFakeSource(1), &fakeSink{fails: 1}, Options{Logger: log})
	if err := p.cycle(context.Background(), 10); err == nil {
		t.Fatalf("cycle() = nil, want the sink's error")
	}
	found := false
	for _, l := range log.lines {
		if l == "  no items yet" {
			found = true
		}
	}
	if !found {
		t.Errorf("log = %q, want the recency report after a failed cycle", log.lines)
	}
}
