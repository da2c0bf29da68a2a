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

// Package pflagenv lets every command line flag be given through the
// environment as well.
package pflagenv

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
)

// ParseFlagSet sets every flag of fs that was not given on the command
// line from the environment variable named by EnvName, if it is non-empty.
//
// It should be called after fs.Parse.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) error {
	// pflag does not tell a flag left at its default from one that was not
	// given, so collect all flags and drop the ones that were set.
	nonset := make(map[string]*pflag.Flag)
	fs.VisitAll(func(f *pflag.Flag) {
		nonset[f.Name] = f
	})
	fs.Visit(func(f *pflag.Flag) {
		delete(nonset, f.Name)
	})
	for name, f := range nonset {
		env := EnvName(name, envPrefix)
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		if err := f.Value.Set(v); err != nil {
			return errors.Annotatef(err, "invalid %s", env)
		}
		f.Changed = true
	}
	return nil
}

// Parse is ParseFlagSet on pflag.CommandLine.
func Parse(envPrefix string) error {
	return ParseFlagSet(pflag.CommandLine, envPrefix)
}

// EnvName is the environment variable for flagName: "speed-khz" with
// prefix "PROBEKIT_" is PROBEKIT_SPEED_KHZ.
func EnvName(flagName, envPrefix string) string {
	flagName = strings.ToUpper(flagName)
	flagName = strings.Replace(flagName, "-", "_", -1)
	return fmt.Sprint(envPrefix, flagName)
}

// AnnotateUsage appends the environment variable name to the usage string
// of every flag in fs.
func AnnotateUsage(fs *pflag.FlagSet, envPrefix string) {
	fs.VisitAll(func(f *pflag.Flag) {
		f.Usage = fmt.Sprintf("%s (env %s)", f.Usage, EnvName(f.Name, envPrefix))
	})
}
