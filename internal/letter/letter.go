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

// Package letter writes mirrored items to disk, one directory per
// item.
package letter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/foldermirror/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	MetaFile       = "dict_metainfo.json"
	TextFile       = "letter.txt"
	HTMLFile       = "letter.html"
	RawFile        = "message.eml"
	AttachmentsDir = "ATTACHMENTS"

	// How many attachments of one item are written at once.
	attachmentWriters = 4
)

// DirName returns the name of the directory holding the item with
// sequence number seq.
func DirName(seq int64) string {
	return fmt.Sprintf("LETTER_%d", seq)
}

// Meta is the content of MetaFile.
type Meta struct {
	Subject          string `json:"Subject"`
	To               string `json:"To"`
	CC               string `json:"CC"`
	SenderName       string `json:"Sender.Name"`
	SenderAddress    string `json:"Sender.Address"`
	Body             string `json:"Body"`
	Size             int64  `json:"Size"`
	CreationTime     string `json:"CreationTime"`
	ReceivedTime     string `json:"ReceivedTime"`
	SavedLocallyTime string `json:"SavedLocallyTime"`
}

// Options controls what a Writer puts on disk besides the metadata
// and the text body.
type Options struct {
	// Do not write attachments.
	SkipAttachments bool

	// Also write the entire message to RawFile, when the source
	// delivered it.
	PreserveRaw bool
}

// Writer persists items below a root directory.  It implements
// sync.Sink.
type Writer struct {
	root string
	opts Options
	now  func() time.Time
}

// New returns a Writer for the directory root, creating it if needed.
func New(root string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(root, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating %q", root)
	}
	return &Writer{root: root, opts: opts, now: time.Now}, nil
}

// Root returns the directory the writer writes into.
func (w *Writer) Root() string {
	return w.root
}

// Persist writes item to its directory, replacing whatever an earlier
// call with the same seq left there.  The directory only appears once
// it is complete.
func (w *Writer) Persist(ctx context.Context, seq int64, item *message.Item) error {
	if seq <= 0 {
		return errors.Errorf("invalid sequence number %d", seq)
	}
	name := DirName(seq)
	tmp, err := os.MkdirTemp(w.root, "."+name+"-")
	if err != nil {
		return errors.Wrap(err, "creating temporary directory")
	}
	defer os.RemoveAll(tmp)

	if err := w.writeAll(ctx, tmp, item); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	dst := filepath.Join(w.root, name)
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "removing previous %s", name)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrapf(err, "renaming into %s", name)
	}
	return nil
}

func (w *Writer) writeAll(ctx context.Context, dir string, item *message.Item) error {
	meta := Meta{
		Subject:          item.Subject,
		To:               item.To,
		CC:               item.CC,
		SenderName:       item.SenderName,
		SenderAddress:    item.SenderAddress,
		Body:             item.Body,
		Size:             item.Size,
		CreationTime:     formatTime(item.CreatedAt),
		ReceivedTime:     formatTime(item.ReceivedAt),
		SavedLocallyTime: formatTime(w.now()),
	}
	b, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return err
	}
	if err := writeFile(dir, MetaFile, b); err != nil {
		return err
	}
	if err := writeFile(dir, TextFile, []byte(normalize(item.Body))); err != nil {
		return err
	}
	if item.HTMLBody != "" {
		if err := writeFile(dir, HTMLFile, []byte(item.HTMLBody)); err != nil {
			return err
		}
	}
	if w.opts.PreserveRaw && len(item.Raw) > 0 {
		if err := writeFile(dir, RawFile, item.Raw); err != nil {
			return err
		}
	}
	if w.opts.SkipAttachments || len(item.Attachments) == 0 {
		return nil
	}
	return writeAttachments(ctx, filepath.Join(dir, AttachmentsDir), item.Attachments)
}

func writeAttachments(ctx context.Context, dir string, attachments []message.Attachment) error {
	if err := mkdir(dir); err != nil {
		return err
	}
	names := attachmentNames(attachments)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(attachmentWriters)
	for i := range attachments {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return writeFile(dir, names[i], attachments[i].Content)
		})
	}
	return g.Wait()
}

// attachmentNames returns a distinct, escaped file name for each
// attachment.
func attachmentNames(attachments []message.Attachment) []string {
	names := make([]string, len(attachments))
	seen := make(map[string]bool)
	for i, a := range attachments {
		base := escape(a.Filename)
		if base == "" {
			base = fmt.Sprintf("attachment-%d", i+1)
		}
		name := base
		ext := filepath.Ext(base)
		for n := 2; seen[name]; n++ {
			name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), n, ext)
		}
		seen[name] = true
		names[i] = name
	}
	return names
}

// Replace all \r\n with \n.  Sources deliver text in this form
// because it is mandated by RFC 822 and successors.
func normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func writeFile(dir, name string, b []byte) error {
	return os.WriteFile(filepath.Join(dir, name), b, messageFileMode)
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// Return the specified string with characters that should not appear
// in a file name escaped as =XX.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s, i) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(s, i):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the character at s[i] should be escaped when
// appearing in a file name.
//
// Only the Portable Filename Character Set is kept, see The Open
// Group Base Specifications Issue 7, 2018 edition, IEEE Std
// 1003.1-2017, 3.282.  A leading period is escaped too, so no name is
// hidden or refers to a parent directory.
func shouldEscape(s string, i int) bool {
	switch c := s[i]; {
	case 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9':
		return false
	case c == '_' || c == '-':
		return false
	case c == '.':
		return i == 0
	}
	return true
}
