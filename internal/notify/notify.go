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

// Package notify announces saved items on NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matta/foldermirror/internal/message"
	"github.com/matta/foldermirror/internal/sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("foldermirror"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "failed to get JetStream context")
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the stream name capturing subject unless it
// exists.  Duplicate message ids are dropped for an hour, which covers
// a batch written again after a failure.
func (p *Publisher) EnsureStream(ctx context.Context, name, subject string) error {
	info, err := p.js.StreamInfo(name, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: time.Hour,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return errors.Wrap(err, "failed to create stream")
	}
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return errors.Wrap(err, "failed to publish message")
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Event is the payload published for each saved item.
type Event struct {
	Sequence   int64     `json:"sequence"`
	Folder     string    `json:"folder"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	SavedAt    time.Time `json:"saved_at"`
}

type publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Sink passes items to another sink and publishes an Event for each
// one it wrote.  A failed publish is logged and does not fail the
// write.
type Sink struct {
	next    sync.Sink
	pub     publisher
	subject string
	folder  string
	dir     string
	logger  sync.Logger
	now     func() time.Time
}

// NewSink returns a Sink publishing on subject.  Events name folder;
// message ids combine dir and the sequence number, so an item written
// again under the same number is announced once.
func NewSink(next sync.Sink, pub publisher, subject, folder, dir string, logger sync.Logger) *Sink {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Sink{
		next:    next,
		pub:     pub,
		subject: subject,
		folder:  folder,
		dir:     dir,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Sink) Persist(ctx context.Context, seq int64, item *message.Item) error {
	if err := s.next.Persist(ctx, seq, item); err != nil {
		return err
	}
	ev := Event{
		Sequence:   seq,
		Folder:     s.folder,
		Subject:    item.Subject,
		ReceivedAt: item.ReceivedAt,
		SavedAt:    s.now(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("encoding event for item %d: %v", seq, err)
		return nil
	}
	if err := s.pub.Publish(s.subject, payload, MsgID(s.dir, seq)); err != nil {
		s.logger.Printf("publishing event for item %d: %v", seq, err)
	}
	return nil
}

// MsgID returns the deduplication id of the item seq saved in dir.
func MsgID(dir string, seq int64) string {
	return fmt.Sprintf("%s#%d", dir, seq)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
