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

// Package statusapi serves the state of a running poller over HTTP.
package statusapi

import (
	"net/http"
	"time"

	"github.com/matta/foldermirror/internal/poll"
	"github.com/matta/foldermirror/internal/recency"

	"github.com/gin-gonic/gin"
)

// Poller is the part of *poll.Poller the handlers read.
type Poller interface {
	Status() poll.Status
	Report() recency.Report
}

type bucket struct {
	Threshold int    `json:"threshold"`
	Unit      string `json:"unit"`
	Count     int    `json:"count"`
}

type report struct {
	Total         int      `json:"total"`
	NewestSeconds int64    `json:"newest_seconds"`
	OldestSeconds int64    `json:"oldest_seconds"`
	Buckets       []bucket `json:"buckets"`
	Lines         []string `json:"lines"`
}

type watermark struct {
	LastSequence   int64      `json:"last_sequence"`
	LastReceivedAt *time.Time `json:"last_received_at,omitempty"`
}

type status struct {
	CycleID   string     `json:"cycle_id,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Saved     int        `json:"saved"`
	Error     string     `json:"error,omitempty"`
	Folder    string     `json:"folder,omitempty"`
	Dir       string     `json:"dir,omitempty"`
	Watermark watermark  `json:"watermark"`
}

// NewRouter returns the handlers for p.
func NewRouter(p Poller) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/report", func(c *gin.Context) {
		c.JSON(http.StatusOK, toReport(p.Report()))
	})

	r.GET("/status", func(c *gin.Context) {
		st := p.Status()
		if st.CycleID == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no cycle has completed yet"})
			return
		}
		c.JSON(http.StatusOK, toStatus(st))
	})

	return r
}

func toReport(r recency.Report) report {
	out := report{
		Total:         r.Total,
		NewestSeconds: int64(r.Newest / time.Second),
		OldestSeconds: int64(r.Oldest / time.Second),
		Buckets:       []bucket{},
		Lines:         r.Lines(),
	}
	for _, b := range r.Buckets {
		out.Buckets = append(out.Buckets, bucket{b.Threshold, b.Unit.Label, b.Count})
	}
	return out
}

func toStatus(st poll.Status) status {
	return status{
		CycleID:  st.CycleID,
		Started:  timePtr(st.Started),
		Finished: timePtr(st.Finished),
		Saved:    st.Saved,
		Error:    st.Err,
		Folder:   st.Folder,
		Dir:      st.Dir,
		Watermark: watermark{
			LastSequence:   st.Watermark.LastSequence,
			LastReceivedAt: timePtr(st.Watermark.LastReceivedAt),
		},
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
