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

package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Get returns the current user's home directory.  It panics when
// neither $HOME nor the user database knows it.
func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// Expand replaces a leading "~" of path with the home directory.
func Expand(path string) string {
	switch {
	case path == "~":
		return Get()
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(Get(), path[2:])
	}
	return path
}
