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

// Package recency summarizes when items were saved as cumulative
// counts over human sized time windows.
package recency

import (
	"fmt"
	"sort"
	"time"
)

// Unit is the granularity of a bucket threshold.
type Unit struct {
	Label    string
	Duration time.Duration
}

var (
	Minute = Unit{"min", time.Minute}
	Hour   = Unit{"h", time.Hour}
	Day    = Unit{"d", 24 * time.Hour}
	Week   = Unit{"wk", 7 * 24 * time.Hour}
)

// The windows walked by Summarize, ascending.
var steps = []struct {
	unit       Unit
	thresholds []int
}{
	{Minute, []int{1, 3, 5, 10, 20, 30, 60}},
	{Hour, []int{2, 3, 6, 12, 24}},
	{Day, []int{2, 3, 4, 5, 6, 7}},
	{Week, []int{2, 3, 4}},
}

// Bucket counts the items saved at most Threshold units ago.
type Bucket struct {
	Threshold int
	Unit      Unit
	Count     int
}

func (b Bucket) String() string {
	return fmt.Sprintf("%d %s: %d", b.Threshold, b.Unit.Label, b.Count)
}

// Report is the outcome of Summarize.
type Report struct {
	Total int

	// Ages of the most and least recently saved items, in whole
	// seconds.
	Newest time.Duration
	Oldest time.Duration

	// Cumulative counts, ending with the first bucket holding
	// every item.  Items older than the last window are counted in
	// Total only.
	Buckets []Bucket
}

// Empty reports whether nothing has been saved yet.
func (r Report) Empty() bool {
	return r.Total == 0
}

// Lines renders r for a log or a plain text response.
func (r Report) Lines() []string {
	if r.Empty() {
		return []string{"no items yet"}
	}
	lines := []string{
		fmt.Sprintf("saved %d items, newest %v ago, oldest %v ago", r.Total, r.Newest, r.Oldest),
	}
	for _, b := range r.Buckets {
		lines = append(lines, b.String())
	}
	return lines
}

// Summarize buckets the items saved at the given times by their age
// relative to now.  A time after now counts as age zero.
func Summarize(now time.Time, saved []time.Time) Report {
	if len(saved) == 0 {
		return Report{}
	}
	ages := make([]int64, len(saved))
	for i, t := range saved {
		sec := int64(now.Sub(t) / time.Second)
		if sec < 0 {
			sec = 0
		}
		ages[i] = sec
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })

	r := Report{
		Total:  len(ages),
		Newest: time.Duration(ages[0]) * time.Second,
		Oldest: time.Duration(ages[len(ages)-1]) * time.Second,
	}
	used := 0
	for _, step := range steps {
		unit := int64(step.unit.Duration / time.Second)
		for _, n := range step.thresholds {
			limit := int64(n) * unit
			for used < len(ages) && ages[used] <= limit {
				used++
			}
			r.Buckets = append(r.Buckets, Bucket{Threshold: n, Unit: step.unit, Count: used})
			if used == len(ages) {
				return r
			}
		}
	}
	return r
}
