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

// Package gmail mirrors Gmail labels through the Gmail API.  Labels
// form the folder tree, nested by the "/" in their names.
package gmail

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/rfc822"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail_api.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerMessagesList = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// How many messages are fetched at once.
	fetchers = 8

	inboxLabel = "INBOX"
	labelSep   = "/"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Service provides access to messages stored in Google's Gmail
// system.  It implements sync.Source.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	logger  sync.Logger

	root  *label
	inbox *label
}

// label is a Gmail label seen as a folder.  Parents implied by a
// nested name but missing from the account have no id and no
// messages.
type label struct {
	id       string
	name     string
	children []*label
}

func (l *label) Name() string { return l.name }

func (l *label) Children(ctx context.Context) ([]message.Folder, error) {
	out := make([]message.Folder, len(l.children))
	for i, c := range l.children {
		out[i] = c
	}
	return out, nil
}

func (l *label) child(name string) *label {
	for _, c := range l.children {
		if c.name == name {
			return c
		}
	}
	c := &label{name: name}
	l.children = append(l.children, c)
	return c
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// New returns a Service making its requests with client, which must
// add the credentials.
func New(ctx context.Context, client *http.Client, logger sync.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger{}
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l, logger: logger}, nil
}

// RootFolder returns a folder named after the account holding every
// label.
func (s *Service) RootFolder(ctx context.Context) (message.Folder, error) {
	if err := s.loadLabels(ctx); err != nil {
		return nil, err
	}
	return s.root, nil
}

// DefaultFolder returns the INBOX label.
func (s *Service) DefaultFolder(ctx context.Context) (message.Folder, error) {
	if err := s.loadLabels(ctx); err != nil {
		return nil, err
	}
	if s.inbox == nil {
		return nil, errors.New("account has no INBOX label")
	}
	return s.inbox, nil
}

func (s *Service) loadLabels(ctx context.Context) error {
	if s.root != nil {
		return nil
	}
	profile, err := s.GetProfile(ctx)
	if err != nil {
		return err
	}
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return err
	}
	resp, err := s.service.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return classify(errors.Wrap(err, "listing labels"))
	}
	root, inbox := buildTree(profile, resp.Labels)
	s.logger.Printf("listed %d Gmail labels of %s", len(resp.Labels), profile)
	s.root, s.inbox = root, inbox
	return nil
}

// buildTree nests labels by name.  INBOX comes first among the
// children of the root, the rest are sorted by name.
func buildTree(rootName string, labels []*gmail_api.Label) (root, inbox *label) {
	sorted := append([]*gmail_api.Label(nil), labels...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if (sorted[i].Id == inboxLabel) != (sorted[j].Id == inboxLabel) {
			return sorted[i].Id == inboxLabel
		}
		return sorted[i].Name < sorted[j].Name
	})
	root = &label{name: rootName}
	for _, l := range sorted {
		node := root
		for _, part := range strings.Split(l.Name, labelSep) {
			node = node.child(part)
		}
		node.id = l.Id
		if l.Id == inboxLabel {
			inbox = node
		}
	}
	return root, inbox
}

// Items calls handler for each message with the label f, newest
// first.  Messages are fetched concurrently, a few at a time, but
// handed to handler in order.
func (s *Service) Items(ctx context.Context, f message.Folder, handler func(*message.Item) error) error {
	l, ok := f.(*label)
	if !ok {
		return errors.Errorf("folder %q does not belong to Gmail", f.Name())
	}
	if l.id == "" {
		return nil
	}
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return err
	}
	var handlerErr error
	total := 0
	req := s.service.Users.Messages.List("me").LabelIds(l.id)
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) error {
		total += len(page.Messages)
		s.logger.Printf("listed page of Gmail messages; count %d; total so far %d", len(page.Messages), total)
		// Bodies are fetched a chunk at a time so that a handler
		// stopping early costs at most one chunk of requests.
		for start := 0; start < len(page.Messages); start += fetchers {
			end := min(start+fetchers, len(page.Messages))
			items, err := s.fetchChunk(ctx, page.Messages[start:end])
			if err != nil {
				return err
			}
			for _, item := range items {
				if item == nil {
					continue
				}
				if err := handler(item); err != nil {
					handlerErr = err
					return err
				}
			}
		}
		if page.NextPageToken != "" {
			return s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return nil
	})
	if handlerErr != nil {
		return handlerErr
	}
	if err != nil {
		return classify(errors.Wrapf(err, "listing messages of label %q", l.name))
	}
	return nil
}

// fetchChunk fetches the listed messages and orders them newest first.
// Chat messages and messages deleted since the listing are left nil.
func (s *Service) fetchChunk(ctx context.Context, refs []*gmail_api.Message) ([]*message.Item, error) {
	items := make([]*message.Item, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchers)
	for i, ref := range refs {
		g.Go(func() error {
			item, err := s.GetMessage(gctx, ref.Id)
			if errors.Cause(err) == ErrMessageNotFound {
				return nil
			}
			items[i] = item
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		switch {
		case items[i] == nil:
			return false
		case items[j] == nil:
			return true
		}
		return items[i].ReceivedAt.After(items[j].ReceivedAt)
	})
	return items, nil
}

func (s *Service) getMessage(ctx context.Context, call *gmail_api.UsersMessagesGetCall) (*gmail_api.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := call.Do()
		if err == nil && isChat(msg) {
			err = ErrMessageNotFound
		}
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						s.logger.Printf("Warning: message not found...")
						err = ErrMessageNotFound
					}
				}
			}
		}
		return nil, err
	}
}

// GetMessage fetches the message id in raw form and parses it.  The
// received time is Gmail's internal date.
func (s *Service) GetMessage(ctx context.Context, id string) (*message.Item, error) {
	msg, err := s.getMessage(ctx, s.service.Users.Messages.Get("me", id).
		Context(ctx).Format("raw"))
	if err != nil {
		return nil, classify(errors.Wrapf(err, "getting message %v from gmail", id))
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	item, err := rfc822.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing message %v from gmail", id)
	}
	item.ID = msg.Id
	item.ReceivedAt = time.UnixMilli(msg.InternalDate)
	if msg.SizeEstimate > 0 {
		item.Size = msg.SizeEstimate
	}
	return item, nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// GetProfile returns the email address of the account.
func (s *Service) GetProfile(ctx context.Context) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return "", err
	}
	u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classify(errors.Wrap(err, "getting profile"))
	}
	return u.EmailAddress, nil
}

// Available reports whether the profile can be fetched.
func (s *Service) Available(ctx context.Context) bool {
	_, err := s.GetProfile(ctx)
	return err == nil
}

// Reconnect forgets the label tree, so folders are listed afresh, and
// checks that the API answers again.
func (s *Service) Reconnect(ctx context.Context) error {
	s.root, s.inbox = nil, nil
	_, err := s.GetProfile(ctx)
	return err
}

// classify marks transport failures and server errors as a lost
// connection.
func classify(err error) error {
	var uerr *url.Error
	var nerr net.Error
	var gerr *googleapi.Error
	switch {
	case errors.As(err, &gerr):
		if gerr.Code >= 500 {
			return sync.Unavailable(err)
		}
	case errors.As(err, &uerr), errors.As(err, &nerr):
		return sync.Unavailable(err)
	}
	return err
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
