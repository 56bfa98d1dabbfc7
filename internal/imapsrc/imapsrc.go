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

// Package imapsrc mirrors IMAP mailboxes.
package imapsrc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/rfc822"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
)

// Connection security settings.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityInsecure = "insecure"
)

const inboxName = "INBOX"

// Options configures the IMAP account.
type Options struct {
	Host     string
	Port     string
	Username string
	Password string

	// One of SecurityTLS (the default), SecurityStartTLS or
	// SecurityInsecure.
	Security string
}

// Source reads an IMAP account.  It implements sync.Source.  Mailboxes
// are only ever selected read-only and bodies are fetched with PEEK,
// so mirroring leaves every flag as it was.
type Source struct {
	opts   Options
	logger sync.Logger

	client *imapclient.Client
	root   *mailbox
	inbox  *mailbox
}

// mailbox is an IMAP mailbox seen as a folder.  Parents implied by a
// hierarchical name but not listed by the server, and mailboxes
// flagged \Noselect, have no messages.
type mailbox struct {
	name       string
	full       string
	selectable bool
	children   []*mailbox
}

func (m *mailbox) Name() string { return m.name }

func (m *mailbox) Children(ctx context.Context) ([]message.Folder, error) {
	out := make([]message.Folder, len(m.children))
	for i, c := range m.children {
		out[i] = c
	}
	return out, nil
}

func (m *mailbox) child(name, full string) *mailbox {
	for _, c := range m.children {
		if c.name == name {
			return c
		}
	}
	c := &mailbox{name: name, full: full}
	m.children = append(m.children, c)
	return c
}

// New connects and logs in.
func New(ctx context.Context, opts Options, logger sync.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, errors.New("imap host is required")
	}
	if opts.Port == "" {
		opts.Port = "993"
	}
	if opts.Security == "" {
		opts.Security = SecurityTLS
	}
	if logger == nil {
		logger = nopLogger{}
	}
	s := &Source{opts: opts, logger: logger}
	if err := s.Reconnect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) dial() (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.opts.Host, s.opts.Port)
	var c *imapclient.Client
	var err error
	switch s.opts.Security {
	case SecurityTLS:
		c, err = imapclient.DialTLS(addr, nil)
	case SecurityStartTLS:
		c, err = imapclient.DialStartTLS(addr, nil)
	case SecurityInsecure:
		c, err = imapclient.DialInsecure(addr, nil)
	default:
		return nil, errors.Errorf("unknown imap security %q", s.opts.Security)
	}
	if err != nil {
		return nil, sync.Unavailable(errors.Wrapf(err, "connecting to IMAP %s", addr))
	}
	if err := c.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "logging in to %s as %s", addr, s.opts.Username)
	}
	return c, nil
}

// Reconnect drops the current connection, if any, and logs in again.
// Folders handed out before are invalid afterwards.
func (s *Source) Reconnect(ctx context.Context) error {
	s.Close()
	c, err := s.dial()
	if err != nil {
		return err
	}
	s.client = c
	s.logger.Printf("logged in to %s as %s", s.opts.Host, s.opts.Username)
	return nil
}

// Available reports whether the server answers a NOOP.
func (s *Source) Available(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	return s.client.Noop().Wait() == nil
}

// Close logs out.
func (s *Source) Close() error {
	s.root, s.inbox = nil, nil
	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil
	if err := c.Logout().Wait(); err != nil {
		c.Close()
		return err
	}
	return c.Close()
}

func (s *Source) RootFolder(ctx context.Context) (message.Folder, error) {
	if err := s.loadMailboxes(ctx); err != nil {
		return nil, err
	}
	return s.root, nil
}

func (s *Source) DefaultFolder(ctx context.Context) (message.Folder, error) {
	if err := s.loadMailboxes(ctx); err != nil {
		return nil, err
	}
	if s.inbox == nil {
		return nil, errors.New("server lists no INBOX")
	}
	return s.inbox, nil
}

func (s *Source) loadMailboxes(ctx context.Context) error {
	if s.root != nil {
		return nil
	}
	if s.client == nil {
		return sync.Unavailable(errors.New("not connected"))
	}
	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return classify(errors.Wrap(err, "listing mailboxes"))
	}
	s.root, s.inbox = buildTree(s.opts.Username, list)
	s.logger.Printf("listed %d mailboxes", len(list))
	return nil
}

// buildTree nests mailboxes by their hierarchy delimiter.  INBOX comes
// first among the children of the root, the rest are sorted by name.
func buildTree(rootName string, list []*imap.ListData) (root, inbox *mailbox) {
	sorted := append([]*imap.ListData(nil), list...)
	isInbox := func(d *imap.ListData) bool { return strings.EqualFold(d.Mailbox, inboxName) }
	sort.SliceStable(sorted, func(i, j int) bool {
		if isInbox(sorted[i]) != isInbox(sorted[j]) {
			return isInbox(sorted[i])
		}
		return sorted[i].Mailbox < sorted[j].Mailbox
	})
	root = &mailbox{name: rootName}
	for _, d := range sorted {
		parts := []string{d.Mailbox}
		if d.Delim != 0 {
			parts = strings.Split(d.Mailbox, string(d.Delim))
		}
		node := root
		for i, part := range parts {
			full := strings.Join(parts[:i+1], string(d.Delim))
			node = node.child(part, full)
		}
		node.full = d.Mailbox
		node.selectable = !hasAttr(d.Attrs, imap.MailboxAttrNoSelect) && !hasAttr(d.Attrs, imap.MailboxAttrNonExistent)
		if isInbox(d) {
			inbox = node
		}
	}
	return root, inbox
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

// Items calls handler for each message in the mailbox f, newest
// internal date first.  Dates are fetched for the whole mailbox up
// front; bodies are fetched one at a time as handler asks for more.
func (s *Source) Items(ctx context.Context, f message.Folder, handler func(*message.Item) error) error {
	m, ok := f.(*mailbox)
	if !ok {
		return errors.Errorf("folder %q does not belong to IMAP", f.Name())
	}
	if !m.selectable {
		return nil
	}
	if s.client == nil {
		return sync.Unavailable(errors.New("not connected"))
	}
	data, err := s.client.Select(m.full, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return classify(errors.Wrapf(err, "selecting %q", m.full))
	}
	if data.NumMessages == 0 {
		return nil
	}
	search, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return classify(errors.Wrapf(err, "searching %q", m.full))
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return nil
	}
	dates, err := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return classify(errors.Wrapf(err, "fetching dates of %q", m.full))
	}
	newestFirst(dates)

	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := s.fetchItem(m, d)
		if err != nil {
			return err
		}
		if err := handler(item); err != nil {
			return err
		}
	}
	return nil
}

func newestFirst(msgs []*imapclient.FetchMessageBuffer) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].InternalDate.Equal(msgs[j].InternalDate) {
			return msgs[i].InternalDate.After(msgs[j].InternalDate)
		}
		return msgs[i].UID > msgs[j].UID
	})
}

func (s *Source) fetchItem(m *mailbox, d *imapclient.FetchMessageBuffer) (*message.Item, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := s.client.Fetch(imap.UIDSetNum(d.UID), &imap.FetchOptions{
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, classify(errors.Wrapf(err, "fetching message %d of %q", d.UID, m.full))
	}
	if len(bufs) == 0 {
		return nil, errors.Errorf("message %d of %q vanished", d.UID, m.full)
	}
	raw := bufs[0].FindBodySection(section)
	item, err := rfc822.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing message %d of %q", d.UID, m.full)
	}
	item.ID = fmt.Sprintf("%s/%d", m.full, d.UID)
	item.ReceivedAt = d.InternalDate
	if bufs[0].RFC822Size > 0 {
		item.Size = bufs[0].RFC822Size
	}
	return item, nil
}

// classify marks everything but a server's NO or BAD reply as a lost
// connection.
func classify(err error) error {
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		return err
	}
	return sync.Unavailable(err)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
