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

package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/matta/foldermirror/internal/folder"
	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/persist"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

var epoch = time.Date(2019, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	root  *message.Node
	inbox *message.Node

	// Items by folder name, in any order.
	items map[string][]*message.Item

	down     bool
	listings int
}

// newFakeSource returns a source with the tree
// root -> [Inbox -> [Reports], Archive -> [Reports, Old]].
func newFakeSource() *fakeSource {
	inbox := message.NewNode("Inbox", message.NewNode("Reports"))
	root := message.NewNode("root",
		inbox,
		message.NewNode("Archive",
			message.NewNode("Reports"),
			message.NewNode("Old")))
	return &fakeSource{root: root, inbox: inbox, items: map[string][]*message.Item{}}
}

func (s *fakeSource) add(folder string, id string, received time.Time) {
	s.items[folder] = append(s.items[folder], &message.Item{ID: id, ReceivedAt: received, Subject: "subject " + id})
}

func (s *fakeSource) RootFolder(ctx context.Context) (message.Folder, error) {
	if s.down {
		return nil, Unavailable(errors.New("offline"))
	}
	return s.root, nil
}

func (s *fakeSource) DefaultFolder(ctx context.Context) (message.Folder, error) {
	if s.down {
		return nil, Unavailable(errors.New("offline"))
	}
	return s.inbox, nil
}

func (s *fakeSource) Items(ctx context.Context, f message.Folder, handler func(*message.Item) error) error {
	if s.down {
		return Unavailable(errors.New("offline"))
	}
	s.listings++
	items := append([]*message.Item(nil), s.items[f.Name()]...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ReceivedAt.After(items[j].ReceivedAt)
	})
	for _, item := range items {
		if err := handler(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Available(ctx context.Context) bool  { return !s.down }
func (s *fakeSource) Reconnect(ctx context.Context) error { return nil }

type fakeSink struct {
	saved  map[int64]string
	writes []int64
	failAt int64
}

func newFakeSink() *fakeSink {
	return &fakeSink{saved: map[int64]string{}}
}

func (s *fakeSink) Persist(ctx context.Context, seq int64, item *message.Item) error {
	if seq == s.failAt {
		return errors.New("disk full")
	}
	s.saved[seq] = item.ID
	s.writes = append(s.writes, seq)
	return nil
}

func (s *fakeSink) ids() []string {
	var seqs []int64
	for seq := range s.saved {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	var ids []string
	for i, seq := range seqs {
		if seq != int64(i+1) {
			return append(ids, fmt.Sprintf("gap before %d", seq))
		}
		ids = append(ids, s.saved[seq])
	}
	return ids
}

func newEngine(t *testing.T, src Source, sink Sink, name, dir string) *Engine {
	t.Helper()
	e, err := New(context.Background(), src, sink, Options{FolderName: name, SaveDirectory: dir})
	if err != nil {
		t.Fatalf("New(%q) = %v", name, err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSyncAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := newFakeSource()
	sink := newFakeSink()

	var want []string
	for round := 0; round < 4; round++ {
		for i := 0; i < round+1; i++ {
			id := fmt.Sprintf("r%d-%d", round, i)
			src.add("Inbox", id, epoch.Add(time.Duration(len(want))*time.Minute))
			want = append(want, id)
		}
		// A fresh engine each round reads its progress from disk.
		e := newEngine(t, src, sink, "inbox", dir)
		n, err := e.Sync(ctx, 100)
		if err != nil {
			t.Fatalf("round %d: Sync() = %v", round, err)
		}
		if n != round+1 {
			t.Errorf("round %d: Sync() = %d, want %d", round, n, round+1)
		}
		e.Close()
	}
	if diff := cmp.Diff(want, sink.ids()); diff != "" {
		t.Errorf("saved items mismatch (-want +got):\n%s", diff)
	}
	if len(sink.writes) != len(want) {
		t.Errorf("sink saw %d writes, want %d", len(sink.writes), len(want))
	}
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	sink := newFakeSink()
	src.add("Inbox", "a", epoch)
	src.add("Inbox", "b", epoch.Add(time.Second))
	e := newEngine(t, src, sink, "inbox", t.TempDir())

	if n, err := e.Sync(ctx, 10); n != 2 || err != nil {
		t.Fatalf("Sync() = %d, %v; want 2, nil", n, err)
	}
	mark := e.Watermark()
	for i := 0; i < 2; i++ {
		if n, err := e.Sync(ctx, 10); n != 0 || err != nil {
			t.Errorf("Sync() #%d without new items = %d, %v; want 0, nil", i, n, err)
		}
	}
	if e.Watermark() != mark {
		t.Errorf("Watermark() = %v, want unchanged %v", e.Watermark(), mark)
	}
	if len(sink.writes) != 2 {
		t.Errorf("sink saw writes %v, want 2", sink.writes)
	}
}

func TestSyncEmptyFolder(t *testing.T) {
	e := newEngine(t, newFakeSource(), newFakeSink(), "Old", t.TempDir())
	n, err := e.Sync(context.Background(), 5)
	if n != 0 || err != nil {
		t.Errorf("Sync() of an empty folder = %d, %v; want 0, nil", n, err)
	}
	if w := e.Watermark(); w.LastSequence != 0 || !w.LastReceivedAt.IsZero() {
		t.Errorf("Watermark() = %v, want zero", w)
	}
}

func TestSyncMaxItemsNewestFirst(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	sink := newFakeSink()
	for i := 1; i <= 5; i++ {
		src.add("Inbox", fmt.Sprint(i), epoch.Add(time.Duration(i)*time.Minute))
	}
	e := newEngine(t, src, sink, "inbox", t.TempDir())

	if n, err := e.Sync(ctx, 2); n != 2 || err != nil {
		t.Fatalf("Sync(2) = %d, %v; want 2, nil", n, err)
	}
	// The two newest, saved in chronological order.
	if diff := cmp.Diff([]string{"4", "5"}, sink.ids()); diff != "" {
		t.Errorf("saved items mismatch (-want +got):\n%s", diff)
	}
	want := persist.Watermark{LastSequence: 2, LastReceivedAt: epoch.Add(5 * time.Minute)}
	if got := e.Watermark(); got.LastSequence != want.LastSequence || !got.LastReceivedAt.Equal(want.LastReceivedAt) {
		t.Errorf("Watermark() = %v, want %v", got, want)
	}
	// Older pending items fall behind the watermark.
	if n, err := e.Sync(ctx, 10); n != 0 || err != nil {
		t.Errorf("second Sync() = %d, %v; want 0, nil", n, err)
	}
}

func TestSyncMaxItemsOldestFirst(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	sink := newFakeSink()
	for i := 1; i <= 5; i++ {
		src.add("Inbox", fmt.Sprint(i), epoch.Add(time.Duration(i)*time.Minute))
	}
	e, err := New(ctx, src, sink, Options{FolderName: "inbox", SaveDirectory: t.TempDir(), OldestFirst: true})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if n, err := e.Sync(ctx, 2); n != 2 || err != nil {
		t.Fatalf("Sync(2) = %d, %v; want 2, nil", n, err)
	}
	if n, err := e.Sync(ctx, 10); n != 3 || err != nil {
		t.Fatalf("second Sync() = %d, %v; want 3, nil", n, err)
	}
	if diff := cmp.Diff([]string{"1", "2", "3", "4", "5"}, sink.ids()); diff != "" {
		t.Errorf("saved items mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncSinkFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := newFakeSource()
	sink := newFakeSink()
	for i := 1; i <= 5; i++ {
		src.add("Inbox", fmt.Sprint(i), epoch.Add(time.Duration(i)*time.Minute))
	}
	sink.failAt = 3
	e := newEngine(t, src, sink, "inbox", dir)

	n, err := e.Sync(ctx, 10)
	var swe *SinkWriteError
	if !errors.As(err, &swe) || swe.Sequence != 3 {
		t.Fatalf("Sync() = %d, %v; want a *SinkWriteError for sequence 3", n, err)
	}
	if n != 0 {
		t.Errorf("failed Sync() = %d, want 0", n)
	}
	if w := e.Watermark(); w.LastSequence != 0 || !w.LastReceivedAt.IsZero() {
		t.Errorf("Watermark() after failure = %v, want zero", w)
	}
	e.Close()

	// The next attempt, even from a fresh engine, writes the same
	// items under the same sequence numbers.
	sink.failAt = 0
	e = newEngine(t, src, sink, "inbox", dir)
	if n, err := e.Sync(ctx, 10); n != 5 || err != nil {
		t.Fatalf("retry Sync() = %d, %v; want 5, nil", n, err)
	}
	if diff := cmp.Diff([]string{"1", "2", "3", "4", "5"}, sink.ids()); diff != "" {
		t.Errorf("saved items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 2, 1, 2, 3, 4, 5}, sink.writes); diff != "" {
		t.Errorf("sink writes mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncEqualTimestampStops(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	sink := newFakeSink()
	src.add("Inbox", "a", epoch)
	e := newEngine(t, src, sink, "inbox", t.TempDir())
	if _, err := e.Sync(ctx, 10); err != nil {
		t.Fatal(err)
	}
	// Not strictly after the watermark, so never saved.
	src.add("Inbox", "b", epoch)
	if n, err := e.Sync(ctx, 10); n != 0 || err != nil {
		t.Errorf("Sync() with an equal timestamp = %d, %v; want 0, nil", n, err)
	}
}

func TestNewResolvesInboxFirst(t *testing.T) {
	cases := []struct {
		name     string
		wantPath string
	}{
		{"inbox", "Inbox"},
		{"Reports", "Inbox/Reports"},
		{"Old", "root/Archive/Old"},
	}
	for _, tc := range cases {
		e := newEngine(t, newFakeSource(), newFakeSink(), tc.name, t.TempDir())
		if e.Path() != tc.wantPath {
			t.Errorf("New(%q).Path() = %q, want %q", tc.name, e.Path(), tc.wantPath)
		}
	}
}

func TestNewTargetDirectory(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, newFakeSource(), newFakeSink(), "Reports", dir)
	if want := filepath.Join(dir, "Reports"); e.Dir() != want {
		t.Errorf("Dir() = %q, want %q", e.Dir(), want)
	}
}

func TestNewFolderNotFound(t *testing.T) {
	_, err := New(context.Background(), newFakeSource(), newFakeSink(), Options{
		FolderName:    "Missing",
		SaveDirectory: t.TempDir(),
	})
	var nf *folder.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("New(Missing) = %v, want *folder.NotFoundError", err)
	}
	want := []string{"root", "Inbox", "Reports", "Archive", "Reports", "Old"}
	if diff := cmp.Diff(want, nf.Folders); diff != "" {
		t.Errorf("Folders mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	cases := []Options{
		{FolderName: "", SaveDirectory: "/tmp"},
		{FolderName: "  ", SaveDirectory: "/tmp"},
		{FolderName: "inbox", SaveDirectory: ""},
	}
	for _, opts := range cases {
		if _, err := New(context.Background(), newFakeSource(), newFakeSink(), opts); err == nil {
			t.Errorf("New(%+v) = nil error, want an error", opts)
		}
	}
}

func TestSyncRejectsNonPositiveMax(t *testing.T) {
	e := newEngine(t, newFakeSource(), newFakeSink(), "inbox", t.TempDir())
	for _, max := range []int{0, -1} {
		if _, err := e.Sync(context.Background(), max); err == nil {
			t.Errorf("Sync(%d) = nil error, want an error", max)
		}
	}
}

func TestSyncSourceUnavailable(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	sink := newFakeSink()
	src.add("Inbox", "a", epoch)
	e := newEngine(t, src, sink, "inbox", t.TempDir())

	src.down = true
	if _, err := e.Sync(ctx, 10); !IsUnavailable(err) {
		t.Errorf("Sync() while down = %v, want an unavailable error", err)
	}
	if err := e.Reset(ctx); !IsUnavailable(err) {
		t.Errorf("Reset() while down = %v, want an unavailable error", err)
	}
	if _, err := e.Sync(ctx, 10); err == nil {
		t.Errorf("Sync() after a failed Reset = nil error, want an error")
	}

	src.down = false
	if err := e.Reset(ctx); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if n, err := e.Sync(ctx, 10); n != 1 || err != nil {
		t.Errorf("Sync() after Reset = %d, %v; want 1, nil", n, err)
	}
}

func TestResetKeepsProgress(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	sink := newFakeSink()
	src.add("Inbox", "a", epoch)
	e := newEngine(t, src, sink, "inbox", t.TempDir())
	if _, err := e.Sync(ctx, 10); err != nil {
		t.Fatal(err)
	}
	src.add("Inbox", "b", epoch.Add(time.Hour))
	if err := e.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if n, err := e.Sync(ctx, 10); n != 1 || err != nil {
		t.Errorf("Sync() after Reset = %d, %v; want 1, nil", n, err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, sink.ids()); diff != "" {
		t.Errorf("saved items mismatch (-want +got):\n%s", diff)
	}
}
