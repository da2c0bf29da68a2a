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

// Package config reads the YAML session config of the probekit tool. The file
// supplies defaults for the connection flags; flags given on the command
// line take precedence.
package config

import (
	"fmt"
	"io/ioutil"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"
)

// Session is the contents of a session config file:
//
//	probe: cmsis-dap=c251:f001
//	protocol: swd
//	speed: 4000
//	target: STM32F407VG
//	flash_algo: STM32F4xx_1024.FLM
//	connect_under_reset: true
type Session struct {
	Probe             string `yaml:"probe,omitempty"`
	Protocol          string `yaml:"protocol,omitempty"`
	Speed             uint32 `yaml:"speed,omitempty"`
	Target            string `yaml:"target,omitempty"`
	FlashAlgo         string `yaml:"flash_algo,omitempty"`
	ConnectUnderReset *bool  `yaml:"connect_under_reset,omitempty"`
	// Sequence is a Lua script with debug sequence hooks for the target.
	Sequence          string `yaml:"sequence,omitempty"`
}

func Parse(data []byte) (*Session, error) {
	var s Session
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, errors.Annotatef(err, "invalid session config")
	}
	return &s, nil
}

func Load(path string) (*Session, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %s", path)
	}
	s, err := Parse(data)
	return s, errors.Annotatef(err, "%s", path)
}

// values maps flag names to the values set in the file.
func (s *Session) values() map[string]string {
	res := map[string]string{}
	set := func(name, v string) {
		if v != "" {
			res[name] = v
		}
	}
	set("probe", s.Probe)
	set("protocol", s.Protocol)
	if s.Speed != 0 {
		res["speed"] = fmt.Sprintf("%d", s.Speed)
	}
	set("target", s.Target)
	set("flash-algo", s.FlashAlgo)
	set("sequence", s.Sequence)
	if s.ConnectUnderReset != nil {
		res["connect-under-reset"] = fmt.Sprintf("%t", *s.ConnectUnderReset)
	}
	return res
}

// Apply sets the flags of fs that were not given on the command line to the
// values from the file.
func (s *Session) Apply(fs *flag.FlagSet) error {
	for name, v := range s.values() {
		f := fs.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		glog.V(2).Infof("config: --%s=%s", name, v)
		if err := fs.Set(name, v); err != nil {
			return errors.Annotatef(err, "invalid %s in session config", name)
		}
	}
	return nil
}
