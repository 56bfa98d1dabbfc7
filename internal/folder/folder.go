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

// Package folder locates folders by name in a source's folder tree.
package folder

import (
	"context"
	"fmt"
	"strings"

	"github.com/matta/foldermirror/internal/message"

	"github.com/pkg/errors"
)

// PathSeparator joins ancestor names in the paths returned by
// Resolve.
const PathSeparator = "/"

// NotFoundError reports that no folder with the requested name exists
// under the searched root.  Folders lists every folder name in the
// tree, in pre-order, to help the operator pick the right one.
type NotFoundError struct {
	Name    string
	Folders []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("folder %q not found among %d folders", e.Name, len(e.Folders))
}

// IsNotFound reports whether err, or any error it wraps, is a
// *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Resolve searches the tree rooted at root, depth first and in
// pre-order, for a folder called name.  It returns the first match
// and its path: the names from root down to the match joined by
// PathSeparator.
//
// Siblings are searched in the order the source returns them, and a
// subtree without a match does not stop the search of the subtrees
// after it.  When there is no match the error is a *NotFoundError
// enumerating the whole tree.
func Resolve(ctx context.Context, root message.Folder, name string) (message.Folder, string, error) {
	found, path, err := search(ctx, root, name, nil)
	if err != nil {
		return nil, "", err
	}
	if found != nil {
		return found, strings.Join(path, PathSeparator), nil
	}
	names, err := Names(ctx, root)
	if err != nil {
		return nil, "", errors.Wrapf(err, "folder %q not found; listing folders failed", name)
	}
	return nil, "", &NotFoundError{Name: name, Folders: names}
}

func search(ctx context.Context, node message.Folder, name string, ancestors []string) (message.Folder, []string, error) {
	path := append(ancestors[:len(ancestors):len(ancestors)], node.Name())
	if node.Name() == name {
		return node, path, nil
	}
	children, err := node.Children(ctx)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing subfolders of %q", strings.Join(path, PathSeparator))
	}
	for _, child := range children {
		found, foundPath, err := search(ctx, child, name, path)
		if err != nil || found != nil {
			return found, foundPath, err
		}
	}
	return nil, nil, nil
}

// Names returns the names of root and every folder below it in
// pre-order.
func Names(ctx context.Context, root message.Folder) ([]string, error) {
	var names []string
	err := walk(ctx, root, 0, func(f message.Folder, depth int) {
		names = append(names, f.Name())
	})
	return names, err
}

// Hierarchy returns one line per folder, indented two dashes per
// level of depth, in the form "--> name".
func Hierarchy(ctx context.Context, root message.Folder) ([]string, error) {
	var lines []string
	err := walk(ctx, root, 1, func(f message.Folder, depth int) {
		lines = append(lines, strings.Repeat("--", depth)+"> "+f.Name())
	})
	return lines, err
}

func walk(ctx context.Context, node message.Folder, depth int, visit func(message.Folder, int)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	visit(node, depth)
	children, err := node.Children(ctx)
	if err != nil {
		return errors.Wrapf(err, "listing subfolders of %q", node.Name())
	}
	for _, child := range children {
		if err := walk(ctx, child, depth+1, visit); err != nil {
			return err
		}
	}
	return nil
}
