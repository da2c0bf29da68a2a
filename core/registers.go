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

package core

import (
	"fmt"
	"strings"
)

// RegID is an architecture-specific register number, such as a DCRSR
// REGSEL value on Cortex-M or an abstract command regno on RISC-V.
type RegID uint16

type Role int

const (
	RoleNone Role = iota
	RolePC
	RoleSP
	RoleLR
	RoleFP
	RolePSR
	RoleArg
)

type Register struct {
	Name string
	ID   RegID
	Bits int
	Role Role
	// Arg is the argument or return value index for RoleArg.
	Arg int
}

func (r Register) String() string {
	return r.Name
}

// RegisterFile lists the registers a controller can read and write.
type RegisterFile struct {
	Regs []Register
}

func (f *RegisterFile) ByName(name string) (Register, bool) {
	for _, r := range f.Regs {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Register{}, false
}

func (f *RegisterFile) ByID(id RegID) (Register, bool) {
	for _, r := range f.Regs {
		if r.ID == id {
			return r, true
		}
	}
	return Register{}, false
}

func (f *RegisterFile) role(role Role, arg int) Register {
	for _, r := range f.Regs {
		if r.Role == role && (role != RoleArg || r.Arg == arg) {
			return r
		}
	}
	panic(fmt.Sprintf("register file has no register for role %d/%d", role, arg))
}

func (f *RegisterFile) PC() Register {
	return f.role(RolePC, 0)
}

func (f *RegisterFile) SP() Register {
	return f.role(RoleSP, 0)
}

func (f *RegisterFile) LR() Register {
	return f.role(RoleLR, 0)
}

// Arg is the register carrying argument i of a call and, for i == 0, the
// return value.
func (f *RegisterFile) Arg(i int) Register {
	return f.role(RoleArg, i)
}

// Values is a snapshot of register contents.
type Values map[RegID]uint64

func (f *RegisterFile) Format(v Values) string {
	var parts []string
	for _, r := range f.Regs {
		if x, ok := v[r.ID]; ok {
			parts = append(parts, fmt.Sprintf("%s=0x%x", r.Name, x))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
