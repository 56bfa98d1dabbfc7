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

package folder

import (
	"context"
	"fmt"
	"testing"

	"github.com/matta/foldermirror/internal/message"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// root -> [A, B -> [C]]
func sampleTree() *message.Node {
	return message.NewNode("root",
		message.NewNode("A"),
		message.NewNode("B", message.NewNode("C")))
}

func TestResolve(t *testing.T) {
	deep := message.NewNode("root",
		message.NewNode("Inbox",
			message.NewNode("Projects", message.NewNode("Reports"))),
		message.NewNode("Archive",
			message.NewNode("2019"),
			message.NewNode("Reports")))

	cases := []struct {
		root message.Folder
		name string
		want string
	}{
		{sampleTree(), "C", "root/B/C"},
		{sampleTree(), "A", "root/A"},
		{sampleTree(), "root", "root"},
		// The first subtree holding a match wins.
		{deep, "Reports", "root/Inbox/Projects/Reports"},
		// A subtree without a match does not stop the search.
		{deep, "2019", "root/Archive/2019"},
	}
	for _, tc := range cases {
		f, path, err := Resolve(context.Background(), tc.root, tc.name)
		if err != nil {
			t.Errorf("Resolve(%q) = %v, want nil error", tc.name, err)
			continue
		}
		if path != tc.want {
			t.Errorf("Resolve(%q) path = %q, want %q", tc.name, path, tc.want)
		}
		if f.Name() != tc.name {
			t.Errorf("Resolve(%q) folder = %q, want %q", tc.name, f.Name(), tc.name)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	_, _, err := Resolve(context.Background(), sampleTree(), "Z")
	if !IsNotFound(err) {
		t.Fatalf("Resolve(Z) = %v, want *NotFoundError", err)
	}
	var nf *NotFoundError
	errors.As(err, &nf)
	if nf.Name != "Z" {
		t.Errorf("NotFoundError.Name = %q, want %q", nf.Name, "Z")
	}
	if diff := cmp.Diff([]string{"root", "A", "B", "C"}, nf.Folders); diff != "" {
		t.Errorf("NotFoundError.Folders mismatch (-want +got):\n%s", diff)
	}
}

type brokenFolder struct{ name string }

func (b brokenFolder) Name() string { return b.name }

func (b brokenFolder) Children(ctx context.Context) ([]message.Folder, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestResolveChildrenError(t *testing.T) {
	_, _, err := Resolve(context.Background(), brokenFolder{"root"}, "X")
	if err == nil || IsNotFound(err) {
		t.Fatalf("Resolve() = %v, want a listing error", err)
	}
}

func TestHierarchy(t *testing.T) {
	got, err := Hierarchy(context.Background(), sampleTree())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"--> root", "----> A", "----> B", "------> C"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Hierarchy() mismatch (-want +got):\n%s", diff)
	}
}
