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

// Package outlook mirrors Outlook mail folders through Microsoft
// Graph.
package outlook

import (
	"context"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/pkg/errors"
)

const (
	// The well known name of the inbox folder.
	inboxID  = "inbox"
	pageSize = 50
)

var messageFields = []string{
	"id", "subject", "from", "sender", "toRecipients", "ccRecipients",
	"body", "receivedDateTime", "createdDateTime", "hasAttachments",
}

// Options configures the mailbox.
type Options struct {
	// The user whose mailbox is mirrored: an id or a user
	// principal name.
	User string

	// A bearer token for Graph.  Ignored when TokenFile is set.
	AccessToken string

	// A file holding the bearer token, read again for every
	// request so that an external tool may refresh it.
	TokenFile string
}

// Source reads one Outlook mailbox.  It implements sync.Source.
type Source struct {
	opts   Options
	cred   azcore.TokenCredential
	client *msgraphsdk.GraphServiceClient
	logger sync.Logger
}

// mailFolder is an Outlook mail folder.  Its children are listed on
// demand.
type mailFolder struct {
	src  *Source
	id   string
	name string

	// The root has no id and lists the top level folders.
	root bool
}

func (f *mailFolder) Name() string { return f.name }

func (f *mailFolder) Children(ctx context.Context) ([]message.Folder, error) {
	if f.root {
		return f.src.topFolders(ctx)
	}
	return f.src.childFolders(ctx, f.id)
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// fileTokenCredential reads the token from a file.
type fileTokenCredential struct {
	path string
}

func (c *fileTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return azcore.AccessToken{}, errors.Wrap(err, "reading token file")
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return azcore.AccessToken{}, errors.Errorf("token file %q is empty", c.path)
	}
	return azcore.AccessToken{
		Token:     tok,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}

// New returns a Source for the mailbox of opts.User.
func New(ctx context.Context, opts Options, logger sync.Logger) (*Source, error) {
	if opts.User == "" {
		return nil, errors.New("outlook user is required")
	}
	s := &Source{opts: opts, logger: logger}
	switch {
	case opts.TokenFile != "":
		s.cred = &fileTokenCredential{path: opts.TokenFile}
	case opts.AccessToken != "":
		s.cred = &staticTokenCredential{token: opts.AccessToken}
	default:
		return nil, errors.New("outlook needs an access token or a token file")
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if err := s.Reconnect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reconnect builds a new Graph client.
func (s *Source) Reconnect(ctx context.Context) error {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(s.cred, []string{})
	if err != nil {
		return errors.Wrap(err, "failed to create Graph client")
	}
	s.client = client
	return nil
}

// Available reports whether the inbox can be read.
func (s *Source) Available(ctx context.Context) bool {
	_, err := s.user().MailFolders().ByMailFolderId(inboxID).Get(ctx, nil)
	return err == nil
}

func (s *Source) user() *users.UserItemRequestBuilder {
	return s.client.Users().ByUserId(s.opts.User)
}

// RootFolder returns a folder named after the user holding every top
// level mail folder.
func (s *Source) RootFolder(ctx context.Context) (message.Folder, error) {
	return &mailFolder{src: s, name: s.opts.User, root: true}, nil
}

func (s *Source) DefaultFolder(ctx context.Context) (message.Folder, error) {
	f, err := s.user().MailFolders().ByMailFolderId(inboxID).Get(ctx, nil)
	if err != nil {
		return nil, classify(errors.Wrap(err, "getting inbox"))
	}
	return s.folder(f), nil
}

func (s *Source) folder(f models.MailFolderable) *mailFolder {
	return &mailFolder{src: s, id: deref(f.GetId()), name: deref(f.GetDisplayName())}
}

func (s *Source) topFolders(ctx context.Context) ([]message.Folder, error) {
	b := s.user().MailFolders()
	resp, err := b.Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: Int32Ptr(pageSize),
		},
	})
	var out []message.Folder
	for {
		if err != nil {
			return nil, classify(errors.Wrap(err, "listing mail folders"))
		}
		for _, f := range resp.GetValue() {
			out = append(out, s.folder(f))
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return out, nil
		}
		resp, err = b.WithUrl(*next).Get(ctx, nil)
	}
}

func (s *Source) childFolders(ctx context.Context, id string) ([]message.Folder, error) {
	b := s.user().MailFolders().ByMailFolderId(id).ChildFolders()
	resp, err := b.Get(ctx, &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{
			Top: Int32Ptr(pageSize),
		},
	})
	var out []message.Folder
	for {
		if err != nil {
			return nil, classify(errors.Wrapf(err, "listing child folders of %s", id))
		}
		for _, f := range resp.GetValue() {
			out = append(out, s.folder(f))
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return out, nil
		}
		resp, err = b.WithUrl(*next).Get(ctx, nil)
	}
}

// Items calls handler for each message in f, newest first, following
// the next links page by page.
func (s *Source) Items(ctx context.Context, f message.Folder, handler func(*message.Item) error) error {
	mf, ok := f.(*mailFolder)
	if !ok {
		return errors.Errorf("folder %q does not belong to Outlook", f.Name())
	}
	if mf.root {
		return nil
	}
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)
	b := s.user().MailFolders().ByMailFolderId(mf.id).Messages()
	resp, err := b.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Orderby: []string{"receivedDateTime desc"},
			Top:     Int32Ptr(pageSize),
			Select:  messageFields,
		},
	})
	for {
		if err != nil {
			return classify(errors.Wrapf(err, "listing messages of %q", mf.name))
		}
		for _, m := range resp.GetValue() {
			item := toItem(m)
			if deref(m.GetHasAttachments()) {
				if item.Attachments, err = s.attachments(ctx, mf.id, item.ID); err != nil {
					return err
				}
			}
			if err := handler(item); err != nil {
				return err
			}
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return nil
		}
		resp, err = b.WithUrl(*next).Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			Headers: headers,
		})
	}
}

// attachments downloads the file attachments of a message.  Item and
// reference attachments carry no file content and are skipped.
func (s *Source) attachments(ctx context.Context, folderID, messageID string) ([]message.Attachment, error) {
	resp, err := s.user().MailFolders().ByMailFolderId(folderID).Messages().ByMessageId(messageID).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "listing attachments of %s", messageID))
	}
	var out []message.Attachment
	for _, a := range resp.GetValue() {
		fa, ok := a.(models.FileAttachmentable)
		if !ok {
			s.logger.Printf("skipping attachment %q of %s: not a file", deref(a.GetName()), messageID)
			continue
		}
		out = append(out, message.Attachment{
			Filename:    deref(fa.GetName()),
			ContentType: deref(fa.GetContentType()),
			Content:     fa.GetContentBytes(),
		})
	}
	return out, nil
}

// toItem copies the fields of a Graph message.
func toItem(m models.Messageable) *message.Item {
	item := &message.Item{
		ID:      deref(m.GetId()),
		Subject: deref(m.GetSubject()),
		To:      joinRecipients(m.GetToRecipients()),
		CC:      joinRecipients(m.GetCcRecipients()),
	}
	if t := m.GetReceivedDateTime(); t != nil {
		item.ReceivedAt = *t
	}
	if t := m.GetCreatedDateTime(); t != nil {
		item.CreatedAt = *t
	}
	from := m.GetFrom()
	if from == nil {
		from = m.GetSender()
	}
	if from != nil {
		if e := from.GetEmailAddress(); e != nil {
			item.SenderName = deref(e.GetName())
			item.SenderAddress = deref(e.GetAddress())
		}
	}
	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if t := body.GetContentType(); t != nil && *t == models.HTML_BODYTYPE {
			item.HTMLBody = content
		} else {
			item.Body = content
		}
		item.Size = int64(len(content))
	}
	return item
}

// joinRecipients formats recipients the way Outlook displays them,
// separated by "; ".
func joinRecipients(recipients []models.Recipientable) string {
	var parts []string
	for _, r := range recipients {
		e := r.GetEmailAddress()
		if e == nil {
			continue
		}
		name, addr := deref(e.GetName()), deref(e.GetAddress())
		switch {
		case name != "" && name != addr:
			parts = append(parts, name+" <"+addr+">")
		case addr != "":
			parts = append(parts, addr)
		default:
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "; ")
}

// classify marks transport failures, throttling and server errors as a
// lost connection.
func classify(err error) error {
	var status interface{ GetStatusCode() int }
	var uerr *url.Error
	var nerr net.Error
	switch {
	case errors.As(err, &status):
		if code := status.GetStatusCode(); code >= 500 || code == 429 {
			return sync.Unavailable(err)
		}
	case errors.As(err, &uerr), errors.As(err, &nerr):
		return sync.Unavailable(err)
	}
	return err
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
