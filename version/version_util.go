//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package version

import (
	"fmt"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	LatestVersionName = "latest"
)

var (
	regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)
)

// GetVersion returns this binary's version. A release build has Version set
// at link time; a "go install module@vX.Y.Z" build reports the module
// version. Anything else is "latest".
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := moduleVersion(bi.Main.Version); v != "" {
			return v
		}
	}
	return LatestVersionName
}

// moduleVersion turns a module version such as "v1.4.0" into "1.4.0".
// Pseudo-versions and "(devel)" yield "".
func moduleVersion(mv string) string {
	v := strings.TrimPrefix(mv, "v")
	if !LooksLikeVersionNumber(v) {
		return ""
	}
	return v
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// vcsRevision returns the commit the binary was built from, if recorded.
func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	rev, dirty := "", false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

// String is the version line printed by --version.
func String() string {
	s := fmt.Sprintf("probekit %s (%s; %s)", GetVersion(), runtime.GOOS, runtime.GOARCH)
	id := BuildId
	if id == "" {
		id = vcsRevision()
	}
	if id != "" {
		s += "\nBuild ID: " + id
	}
	return s
}
