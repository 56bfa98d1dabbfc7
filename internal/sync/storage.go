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

// This file provides the interfaces of the collaborators the engine
// consumes.

import (
	"context"
	"fmt"

	"github.com/matta/foldermirror/internal/message"

	"github.com/pkg/errors"
)

// FolderTree exposes the folder hierarchy of a message storage
// system.
type FolderTree interface {
	// RootFolder returns the top of the whole hierarchy.
	RootFolder(ctx context.Context) (message.Folder, error)

	// DefaultFolder returns the primary folder (the inbox), which
	// is searched before the rest of the tree.
	DefaultFolder(ctx context.Context) (message.Folder, error)
}

// ItemLister lists the items of one folder.
type ItemLister interface {
	// Items calls handler for each item in folder, newest
	// ReceivedAt first.  If handler returns an error the listing
	// stops and Items returns that error unchanged.
	Items(ctx context.Context, folder message.Folder, handler func(*message.Item) error) error
}

// Connection reports and restores the health of the link to a
// message storage system.
type Connection interface {
	Available(ctx context.Context) bool
	Reconnect(ctx context.Context) error
}

// Source provides all actions the engine needs from a message storage
// system.
type Source interface {
	FolderTree
	ItemLister
	Connection
}

// Sink durably writes one item under its sequence number.  Persisting
// the same sequence twice must overwrite the earlier write.
type Sink interface {
	Persist(ctx context.Context, seq int64, item *message.Item) error
}

// Logger is the subset of *log.Logger the engine uses.
type Logger interface {
	Printf(format string, args ...any)
}

// ErrSourceUnavailable marks errors caused by a lost connection to the
// source.  Sources wrap their connection failures with it; the poller
// reacts by reconnecting.
var ErrSourceUnavailable = errors.New("source unavailable")

// Unavailable wraps err so that IsUnavailable reports true for it.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{err}
}

type unavailableError struct{ err error }

func (e *unavailableError) Error() string        { return ErrSourceUnavailable.Error() + ": " + e.err.Error() }
func (e *unavailableError) Unwrap() error        { return e.err }
func (e *unavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

// IsUnavailable reports whether err was caused by a lost source
// connection.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// SinkWriteError reports a failed write of one item.  The batch it
// belongs to is abandoned and the watermark is left untouched.
type SinkWriteError struct {
	Sequence int64
	Err      error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("writing item %d: %v", e.Sequence, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
