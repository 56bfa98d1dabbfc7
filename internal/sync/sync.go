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

// Package sync mirrors new items of one source folder into a target
// directory, one batch per call.
package sync

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/matta/foldermirror/internal/folder"
	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/persist"

	"github.com/pkg/errors"
)

// DefaultFolderName selects the source's default folder without a
// search of the tree.
const DefaultFolderName = "inbox"

// errScanDone stops an item listing once the batch is complete.
var errScanDone = errors.New("scan done")

// Options configures an Engine.
type Options struct {
	// The name of the source folder to mirror.
	FolderName string

	// Items are written below SaveDirectory/FolderName, which
	// also holds the watermark.
	SaveDirectory string

	// OldestFirst makes each batch take the oldest pending items
	// instead of the newest.  The whole pending range is listed
	// every call, but no item is skipped when more than the batch
	// size arrive between calls.
	OldestFirst bool

	Logger Logger
}

// Engine mirrors one source folder into one target directory.  It is
// not safe for concurrent use, and no two engines may share a target
// directory.
type Engine struct {
	src         Source
	sink        Sink
	name        string
	dir         string
	oldestFirst bool
	logger      Logger

	folder message.Folder
	path   string
	db     *persist.DB
	mark   persist.Watermark
}

// New returns an Engine with its folder resolved and its watermark
// loaded.  A missing folder is reported as a *folder.NotFoundError.
func New(ctx context.Context, src Source, sink Sink, opts Options) (*Engine, error) {
	name := strings.TrimSpace(opts.FolderName)
	if name == "" {
		return nil, errors.New("folder name is required")
	}
	if strings.TrimSpace(opts.SaveDirectory) == "" {
		return nil, errors.New("save directory is required")
	}
	dir, err := filepath.Abs(filepath.Join(opts.SaveDirectory, name))
	if err != nil {
		return nil, errors.Wrapf(err, "resolving save directory %q", opts.SaveDirectory)
	}
	e := &Engine{
		src:         src,
		sink:        sink,
		name:        name,
		dir:         dir,
		oldestFirst: opts.OldestFirst,
		logger:      opts.Logger,
	}
	if e.logger == nil {
		e.logger = nopLogger{}
	}
	if err := e.Reset(ctx); err != nil {
		return nil, err
	}
	e.logger.Printf("mirroring folder %q into %s from %v", e.path, e.dir, e.mark)
	return e, nil
}

// Reset rebuilds all state derived from the source: the folder is
// resolved again from a fresh tree and the watermark is reloaded from
// disk.  Call it after the source reconnects.  No saved progress is
// lost since the watermark on disk is the only record of it.
func (e *Engine) Reset(ctx context.Context) error {
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
	e.folder = nil

	f, path, err := e.resolve(ctx)
	if err != nil {
		return err
	}
	db, err := persist.Open(ctx, e.dir)
	if err != nil {
		return errors.Wrap(err, "opening watermark")
	}
	mark, err := db.Load(ctx)
	if err != nil {
		db.Close()
		return errors.Wrap(err, "loading watermark")
	}
	e.folder, e.path, e.db, e.mark = f, path, db, mark
	return nil
}

// resolve finds the folder to mirror.  The default folder's subtree
// is searched before the whole tree, so a match below the inbox wins
// over any other folder of the same name.
func (e *Engine) resolve(ctx context.Context) (message.Folder, string, error) {
	inbox, err := e.src.DefaultFolder(ctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "getting default folder")
	}
	if e.name == DefaultFolderName {
		return inbox, inbox.Name(), nil
	}
	f, path, err := folder.Resolve(ctx, inbox, e.name)
	if err == nil {
		return f, path, nil
	}
	if !folder.IsNotFound(err) {
		return nil, "", err
	}

	root, err := e.src.RootFolder(ctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "getting root folder")
	}
	f, path, err = folder.Resolve(ctx, root, e.name)
	if err != nil {
		var nf *folder.NotFoundError
		if errors.As(err, &nf) {
			e.logger.Printf("unable to find folder %q; all available folders are:", e.name)
			for i, name := range nf.Folders {
				e.logger.Printf("--> %d) %s", i, name)
			}
		}
		return nil, "", err
	}
	return f, path, nil
}

// Sync saves up to maxItems items newer than the watermark, oldest
// first, and returns how many it saved.
//
// The watermark is saved once, after every item of the batch has been
// persisted.  If the sink fails the error is a *SinkWriteError, the
// watermark is untouched and the next call writes the same items
// under the same sequence numbers again.
//
// Unless Options.OldestFirst is set, only the newest maxItems pending
// items are taken each call and the watermark then moves to the
// newest of them.  Older pending items are therefore skipped for good
// when more than maxItems arrive between two calls.
func (e *Engine) Sync(ctx context.Context, maxItems int) (int, error) {
	if maxItems <= 0 {
		return 0, errors.Errorf("max items must be positive, got %d", maxItems)
	}
	if e.folder == nil {
		return 0, errors.New("engine has no folder; Reset failed")
	}
	batch, err := e.pending(ctx, maxItems)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	next := e.mark
	for _, item := range batch {
		seq := next.LastSequence + 1
		if err := e.sink.Persist(ctx, seq, item); err != nil {
			return 0, &SinkWriteError{Sequence: seq, Err: err}
		}
		next.LastSequence = seq
	}
	next.LastReceivedAt = batch[len(batch)-1].ReceivedAt
	if err := e.db.Save(ctx, next); err != nil {
		return 0, errors.Wrap(err, "saving watermark")
	}
	e.mark = next
	e.logger.Printf("saved %d new items from %q, now at %v", len(batch), e.path, e.mark)
	return len(batch), nil
}

// pending returns the items newer than the watermark, at most
// maxItems of them, oldest first.
func (e *Engine) pending(ctx context.Context, maxItems int) ([]*message.Item, error) {
	var batch []*message.Item
	err := e.src.Items(ctx, e.folder, func(item *message.Item) error {
		if !item.ReceivedAt.After(e.mark.LastReceivedAt) {
			return errScanDone
		}
		batch = append(batch, item)
		if !e.oldestFirst && len(batch) >= maxItems {
			e.logger.Printf("folder %q: got max number of items: %d", e.path, maxItems)
			return errScanDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanDone) {
		return nil, errors.Wrapf(err, "listing items of %q", e.path)
	}
	for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
		batch[i], batch[j] = batch[j], batch[i]
	}
	if len(batch) > maxItems {
		e.logger.Printf("folder %q: %d items pending, taking the oldest %d", e.path, len(batch), maxItems)
		batch = batch[:maxItems]
	}
	return batch, nil
}

// Path returns the path of the mirrored folder in the source tree.
func (e *Engine) Path() string {
	return e.path
}

// Dir returns the target directory.
func (e *Engine) Dir() string {
	return e.dir
}

// Watermark returns the watermark of the last completed batch.
func (e *Engine) Watermark() persist.Watermark {
	return e.mark
}

// Close releases the watermark database.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}
