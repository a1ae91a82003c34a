// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buildinfo

import (
	"errors"
	"runtime/debug"
)

// Info is the subset of the embedded build settings that is reported at
// start up.
type Info struct {
	GoVersion, GoArch, GoOS string
	VcsRevision, VcsTime    string
	VcsModified             bool
}

// Fetch reads the build settings embedded by the go tool.
func Fetch() (*Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}
	return fromSettings(bi.GoVersion, bi.Settings), nil
}

func fromSettings(goVersion string, settings []debug.BuildSetting) *Info {
	info := &Info{GoVersion: goVersion}
	for _, setting := range settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOS = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return info
}
