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

// Package rfc822 turns raw Internet messages into items.
package rfc822

import (
	"bytes"
	"io"
	"strings"

	"github.com/matta/foldermirror/internal/message"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	// Decode bodies and headers in legacy character sets.
	_ "github.com/emersion/go-message/charset"
)

// Parse decodes raw into an item.  ReceivedAt and CreatedAt are both
// taken from the Date header; sources that know when the message
// arrived overwrite ReceivedAt.
//
// A message whose body cannot be decoded still yields an item with the
// header fields and the undecoded text as its body.
func Parse(raw []byte) (*message.Item, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "parsing message header")
	}
	defer mr.Close()

	item := &message.Item{
		Size: int64(len(raw)),
		Raw:  raw,
	}
	h := mr.Header
	if item.ID, err = h.MessageID(); err != nil {
		item.ID = h.Get("Message-Id")
	}
	if item.Subject, err = h.Subject(); err != nil {
		item.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		item.CreatedAt = date
		item.ReceivedAt = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		item.SenderName = from[0].Name
		item.SenderAddress = from[0].Address
	}
	item.To = addresses(h, "To")
	item.CC = addresses(h, "Cc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if item.Body == "" && item.HTMLBody == "" {
				item.Body = string(body(raw))
			}
			break
		}
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			b, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/html"):
				if item.HTMLBody == "" {
					item.HTMLBody = string(b)
				}
			case contentType == "" || strings.HasPrefix(contentType, "text/"):
				if item.Body == "" {
					item.Body = string(b)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, errors.Wrapf(err, "reading attachment %q", filename)
			}
			item.Attachments = append(item.Attachments, message.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     b,
			})
		}
	}
	return item, nil
}

// addresses formats the addresses in header field key as a "; "
// separated list.
func addresses(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil {
		return h.Get(key)
	}
	parts := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			parts = append(parts, a.Name+" <"+a.Address+">")
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, "; ")
}

// body returns what follows the header of raw.
func body(raw []byte) []byte {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return raw[i+len(sep):]
		}
	}
	return nil
}
