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

package jtag

import (
	"fmt"
)

// State is one of the 16 IEEE 1149.1 TAP controller states.
type State uint8

const (
	TestLogicReset State = iota
	RunTestIdle
	SelectDRScan
	CaptureDR
	ShiftDR
	Exit1DR
	PauseDR
	Exit2DR
	UpdateDR
	SelectIRScan
	CaptureIR
	ShiftIR
	Exit1IR
	PauseIR
	Exit2IR
	UpdateIR
	numStates
)

var stateNames = [numStates]string{
	"Test-Logic-Reset", "Run-Test/Idle",
	"Select-DR-Scan", "Capture-DR", "Shift-DR", "Exit1-DR", "Pause-DR", "Exit2-DR", "Update-DR",
	"Select-IR-Scan", "Capture-IR", "Shift-IR", "Exit1-IR", "Pause-IR", "Exit2-IR", "Update-IR",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// transitions[s] holds the next state for TMS=0 and TMS=1.
var transitions = [numStates][2]State{
	TestLogicReset: {RunTestIdle, TestLogicReset},
	RunTestIdle:    {RunTestIdle, SelectDRScan},
	SelectDRScan:   {CaptureDR, SelectIRScan},
	CaptureDR:      {ShiftDR, Exit1DR},
	ShiftDR:        {ShiftDR, Exit1DR},
	Exit1DR:        {PauseDR, UpdateDR},
	PauseDR:        {PauseDR, Exit2DR},
	Exit2DR:        {ShiftDR, UpdateDR},
	UpdateDR:       {RunTestIdle, SelectDRScan},
	SelectIRScan:   {CaptureIR, TestLogicReset},
	CaptureIR:      {ShiftIR, Exit1IR},
	ShiftIR:        {ShiftIR, Exit1IR},
	Exit1IR:        {PauseIR, UpdateIR},
	PauseIR:        {PauseIR, Exit2IR},
	Exit2IR:        {ShiftIR, UpdateIR},
	UpdateIR:       {RunTestIdle, SelectDRScan},
}

// Next returns the state after one TCK cycle with the given TMS.
func (s State) Next(tms bool) State {
	if tms {
		return transitions[s][1]
	}
	return transitions[s][0]
}

// Walk applies a TMS sequence.
func (s State) Walk(tms []bool) State {
	for _, b := range tms {
		s = s.Next(b)
	}
	return s
}

// Path returns the shortest TMS sequence leading from one state to another.
func Path(from, to State) []bool {
	if from == to {
		return nil
	}
	type node struct {
		s   State
		tms []bool
	}
	var visited [numStates]bool
	visited[from] = true
	queue := []node{{s: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, b := range []bool{false, true} {
			n := cur.s.Next(b)
			if visited[n] {
				continue
			}
			tms := append(append([]bool(nil), cur.tms...), b)
			if n == to {
				return tms
			}
			visited[n] = true
			queue = append(queue, node{s: n, tms: tms})
		}
	}
	// The TAP graph is strongly connected.
	panic(fmt.Sprintf("no path from %s to %s", from, to))
}
