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

package flash

import (
	"fmt"
	"time"
)

type EventKind int

const (
	Initialized EventKind = iota
	StartedErasing
	SectorErased
	FinishedErasing
	FailedErasing
	StartedProgramming
	PageProgrammed
	FinishedProgramming
	FailedProgramming
	StartedFilling
	PageFilled
	FinishedFilling
	FailedFilling
	Message
)

var eventNames = map[EventKind]string{
	Initialized:         "Initialized",
	StartedErasing:      "StartedErasing",
	SectorErased:        "SectorErased",
	FinishedErasing:     "FinishedErasing",
	FailedErasing:       "FailedErasing",
	StartedProgramming:  "StartedProgramming",
	PageProgrammed:      "PageProgrammed",
	FinishedProgramming: "FinishedProgramming",
	FailedProgramming:   "FailedProgramming",
	StartedFilling:      "StartedFilling",
	PageFilled:          "PageFilled",
	FinishedFilling:     "FinishedFilling",
	FailedFilling:       "FailedFilling",
	Message:             "Message",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one step of a commit. Layout is set for Initialized, Size and
// Time for SectorErased, PageProgrammed and PageFilled, Level and Text for
// Message. StartedErasing and StartedProgramming carry the total size.
type Event struct {
	Kind   EventKind
	Layout *Layout
	Size   uint64
	Time   time.Duration
	Level  string
	Text   string
}

func (e Event) String() string {
	switch e.Kind {
	case Initialized:
		return fmt.Sprintf("%s{%s}", e.Kind, e.Layout)
	case SectorErased, PageProgrammed, PageFilled, StartedErasing, StartedProgramming:
		return fmt.Sprintf("%s{%d}", e.Kind, e.Size)
	case Message:
		return fmt.Sprintf("%s{%s: %s}", e.Kind, e.Level, e.Text)
	}
	return e.Kind.String()
}

// Progress receives commit events in order.
type Progress interface {
	Event(e Event)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(e Event)

func (f ProgressFunc) Event(e Event) {
	f(e)
}

// progress wraps a sink and times the steps it reports.
type progress struct {
	sink Progress
}

func (p progress) emit(e Event) {
	if p.sink != nil {
		p.sink.Event(e)
	}
}

func (p progress) done(k EventKind, size uint64, start time.Time) {
	p.emit(Event{Kind: k, Size: size, Time: time.Since(start)})
}

// finish reports ok or failed depending on err and passes err through.
func (p progress) finish(err error, ok, failed EventKind) error {
	if err != nil {
		p.emit(Event{Kind: failed})
		return err
	}
	p.emit(Event{Kind: ok})
	return nil
}
