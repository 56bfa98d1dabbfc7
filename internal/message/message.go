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

package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"context"
	"time"
)

// Folder is a node in a source's folder hierarchy.  Implementations
// may fetch children lazily; callers must not hold on to a Folder
// across a reconnect of the source that produced it.
type Folder interface {
	// The display name of the folder.  Names are not unique
	// across the tree.
	Name() string

	// Children returns the immediate subfolders in the order the
	// source provides them.
	Children(ctx context.Context) ([]Folder, error)
}

// Item defines a single message fetched from a source folder.  All
// fields except ReceivedAt are passed through to the sink untouched.
type Item struct {
	// The source's identifier for the message.  Opaque; may be
	// empty.
	ID string

	// When the source received the message.  Items are ordered
	// and filtered by this field alone.
	ReceivedAt time.Time

	// When the message was created, if the source knows.
	CreatedAt time.Time

	Subject       string
	To            string
	CC            string
	SenderName    string
	SenderAddress string

	// The text body of the message.
	Body string

	// The HTML body of the message, if any.
	HTMLBody string

	// An estimated size of the message (bytes).
	Size int64

	Attachments []Attachment

	// The entire message in RFC 5322 form, if the source
	// delivers it.
	Raw []byte
}

// Attachment is a file attached to an Item.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Node is a Folder whose children are known up front.  Sources that
// build their whole tree in one request, and tests, use it.
type Node struct {
	FolderName string
	Subfolders []*Node
}

// NewNode returns a Node named name with the given children.
func NewNode(name string, children ...*Node) *Node {
	return &Node{FolderName: name, Subfolders: children}
}

func (n *Node) Name() string {
	return n.FolderName
}

func (n *Node) Children(ctx context.Context) ([]Folder, error) {
	out := make([]Folder, len(n.Subfolders))
	for i, c := range n.Subfolders {
		out[i] = c
	}
	return out, nil
}
