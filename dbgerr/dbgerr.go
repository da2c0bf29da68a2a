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

// Package dbgerr defines the error kinds surfaced by the probe stack.
//
// Every layer annotates errors with github.com/juju/errors as they travel up;
// KindOf walks the annotation chain so the original kind stays observable at
// the session boundary.
package dbgerr

import (
	"fmt"

	"github.com/juju/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProbeProtocol
	KindWireProtocol
	KindDapProtocol
	KindArchitecture
	KindMemory
	KindFlash
	KindTimeout
	KindMissingPermissions
	KindUnsupportedOperation
	KindTargetDescription
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindTransport:            "Transport",
	KindProbeProtocol:        "ProbeProtocol",
	KindWireProtocol:         "WireProtocol",
	KindDapProtocol:          "DapProtocol",
	KindArchitecture:         "Architecture",
	KindMemory:               "Memory",
	KindFlash:                "Flash",
	KindTimeout:              "Timeout",
	KindMissingPermissions:   "MissingPermissions",
	KindUnsupportedOperation: "UnsupportedOperation",
	KindTargetDescription:    "TargetDescription",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Detail refines a Kind.
type Detail int

const (
	DetailNone Detail = iota

	// WireProtocol
	SwdWait
	SwdFault
	SwdParity
	SwdNoAck
	JtagNoIdcode
	JtagBadAck
	ProtocolUnsupported

	// DapProtocol
	StickyError

	// Architecture
	LostConnection
	NotHalted
	NoFreeBreakpointUnit
	ResetFailed
	AbstractCommand
	OcdError

	// Memory
	Misaligned
	OutOfBounds
	UnsupportedWidth

	// Flash
	RegionNotFound
	AlgorithmFailed
	AlgorithmTimeout
	RamTooSmall
	VerifyFailed
)

var detailNames = map[Detail]string{
	DetailNone:           "",
	SwdWait:              "Wait",
	SwdFault:             "Fault",
	SwdParity:            "Parity",
	SwdNoAck:             "NoAck",
	JtagNoIdcode:         "NoIdcode",
	JtagBadAck:           "BadAck",
	ProtocolUnsupported:  "ProtocolUnsupported",
	StickyError:          "StickyError",
	LostConnection:       "LostConnection",
	NotHalted:            "NotHalted",
	NoFreeBreakpointUnit: "NoFreeBreakpointUnit",
	ResetFailed:          "ResetFailed",
	AbstractCommand:      "AbstractCommand",
	OcdError:             "OcdError",
	Misaligned:           "Misaligned",
	OutOfBounds:          "OutOfBounds",
	UnsupportedWidth:     "UnsupportedWidth",
	RegionNotFound:       "RegionNotFound",
	AlgorithmFailed:      "AlgorithmFailed",
	AlgorithmTimeout:     "AlgorithmTimeout",
	RamTooSmall:          "RamTooSmall",
	VerifyFailed:         "VerifyFailed",
}

func (d Detail) String() string {
	if s, ok := detailNames[d]; ok {
		return s
	}
	return fmt.Sprintf("Detail(%d)", int(d))
}

// Error is a classified debug stack error.
type Error struct {
	errors.Err

	Kind   Kind
	Detail Detail
	// Code is the algorithm return code for AlgorithmFailed and the
	// abstract command error for AbstractCommand.
	Code uint32
	// Addr is the faulting address for memory and verify errors.
	Addr uint64
	// Op names the operation that timed out or the flash phase.
	Op string
}

func newError(kind Kind, detail Detail, cause error, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Detail: detail}
	if cause != nil {
		e.Err = errors.NewErrWithCause(cause, format, args...)
	} else {
		e.Err = errors.NewErr(format, args...)
	}
	e.SetLocation(2)
	return e
}

// Transport wraps a USB or OS level failure.
func Transport(cause error, format string, args ...interface{}) error {
	return newError(KindTransport, DetailNone, cause, format, args...)
}

func ProbeProtocol(format string, args ...interface{}) error {
	return newError(KindProbeProtocol, DetailNone, nil, format, args...)
}

func Wire(d Detail, format string, args ...interface{}) error {
	return newError(KindWireProtocol, d, nil, format, args...)
}

func Dap(format string, args ...interface{}) error {
	return newError(KindDapProtocol, DetailNone, nil, format, args...)
}

// Sticky reports sticky error flags left in DP CTRL/STAT.
func Sticky(ctrl uint32) error {
	return newError(KindDapProtocol, StickyError, nil, "sticky error, CTRL/STAT 0x%08x", ctrl)
}

func Arch(d Detail, format string, args ...interface{}) error {
	return newError(KindArchitecture, d, nil, format, args...)
}

func Memory(d Detail, addr uint64, format string, args ...interface{}) error {
	e := newError(KindMemory, d, nil, format, args...)
	e.Addr = addr
	return e
}

func Flash(d Detail, format string, args ...interface{}) error {
	return newError(KindFlash, d, nil, format, args...)
}

// AlgorithmFailedErr reports a non-zero flash algorithm return code.
func AlgorithmFailedErr(fn string, addr uint64, rc uint32) error {
	e := newError(KindFlash, AlgorithmFailed, nil, "%s @ 0x%08x failed: algorithm returned 0x%x", fn, addr, rc)
	e.Code = rc
	e.Addr = addr
	e.Op = fn
	return e
}

func AlgorithmTimeoutErr(fn string, addr uint64) error {
	e := newError(KindFlash, AlgorithmTimeout, nil, "%s @ 0x%08x timed out", fn, addr)
	e.Addr = addr
	e.Op = fn
	return e
}

func VerifyFailedErr(addr uint64) error {
	e := newError(KindFlash, VerifyFailed, nil, "verify failed at 0x%08x", addr)
	e.Addr = addr
	return e
}

func Timeout(op string) error {
	e := newError(KindTimeout, DetailNone, nil, "timeout waiting for %s", op)
	e.Op = op
	return e
}

func MissingPermissions(desc string) error {
	return newError(KindMissingPermissions, DetailNone, nil, "missing permissions: %s", desc)
}

func Unsupported(format string, args ...interface{}) error {
	return newError(KindUnsupportedOperation, DetailNone, nil, format, args...)
}

func TargetDescription(format string, args ...interface{}) error {
	return newError(KindTargetDescription, DetailNone, nil, format, args...)
}

type wrapper interface {
	Underlying() error
}

// As returns the innermost classified error in err's annotation chain.
func As(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		w, ok := err.(wrapper)
		if !ok {
			break
		}
		next := w.Underlying()
		if next == err {
			break
		}
		err = next
	}
	return nil
}

// KindOf returns the kind and detail of err, or KindUnknown.
func KindOf(err error) (Kind, Detail) {
	if e := As(err); e != nil {
		return e.Kind, e.Detail
	}
	return KindUnknown, DetailNone
}

func Is(err error, k Kind) bool {
	got, _ := KindOf(err)
	return got == k
}

func IsDetail(err error, d Detail) bool {
	_, got := KindOf(err)
	return got == d && d != DetailNone
}
