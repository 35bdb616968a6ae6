// Package document implements the Document model (spec §3): the four
// record variants emitted during a run (Start, Descriptor, Event, Stop) and
// the in-memory publish/subscribe bus they travel over (spec §4.7).
package document

import (
	"fmt"
	"time"
)

// Kind discriminates which variant a Document holds.
type Kind string

const (
	KindStart      Kind = "start"
	KindDescriptor Kind = "descriptor"
	KindEvent      Kind = "event"
	KindStop       Kind = "stop"
)

// FieldType is the closed set of value types a Descriptor field may carry
// (spec §6, "Document fields (wire-level obligations)").
type FieldType string

const (
	FieldReal      FieldType = "real"
	FieldInteger   FieldType = "integer"
	FieldBool      FieldType = "bool"
	FieldText      FieldType = "text"
	FieldArrayReal FieldType = "array_real"
	FieldImageU16  FieldType = "image_u16"
	FieldImageU8   FieldType = "image_u8"
)

// Field describes one named value an Event on this stream will carry.
type Field struct {
	Name  string
	Type  FieldType
	Shape []int
	Units string
}

// Start opens a run: one per run_uid, always the first document.
type Start struct {
	RunUID     string
	PlanName   string
	Timestamp  time.Time
	Parameters map[string]any
	Metadata   map[string]any
}

// Descriptor declares a data stream's schema. Exactly one Descriptor must
// precede the first Event on a given (run_uid, stream_name) pair.
type Descriptor struct {
	RunUID     string
	StreamName string
	Fields     []Field
}

// Event is one row of data on a previously-described stream. Seq is strictly
// ascending per stream, with no gaps.
type Event struct {
	RunUID     string
	StreamName string
	Seq        uint64
	Timestamp  time.Time
	Values     map[string]any
}

// ExitStatus is Stop's outcome tag (spec §3: success, abort, or error(msg)).
type ExitStatus struct {
	Status  string // "success", "abort", or "error"
	Message string // populated only when Status == "error"
}

func Success() ExitStatus       { return ExitStatus{Status: "success"} }
func Abort() ExitStatus         { return ExitStatus{Status: "abort"} }
func Error(msg string) ExitStatus { return ExitStatus{Status: "error", Message: msg} }

// Stop closes a run: one per run_uid, always the last document.
type Stop struct {
	RunUID     string
	Timestamp  time.Time
	ExitStatus ExitStatus
	NumEvents  int
}

// Document is a closed sum of the four variants. Exactly one of the typed
// fields is non-nil, matching Kind. A struct-of-pointers rather than an
// interface keeps Publish/Subscribe free of type assertions at the one place
// (the bus) that must inspect every kind.
type Document struct {
	Kind       Kind
	Start      *Start
	Descriptor *Descriptor
	Event      *Event
	Stop       *Stop
}

// NewStart wraps a Start as a Document.
func NewStart(d Start) Document { return Document{Kind: KindStart, Start: &d} }

// NewDescriptor wraps a Descriptor as a Document.
func NewDescriptor(d Descriptor) Document { return Document{Kind: KindDescriptor, Descriptor: &d} }

// NewEvent wraps an Event as a Document.
func NewEvent(d Event) Document { return Document{Kind: KindEvent, Event: &d} }

// NewStop wraps a Stop as a Document.
func NewStop(d Stop) Document { return Document{Kind: KindStop, Stop: &d} }

// RunUID returns the run this document belongs to, regardless of kind.
func (d Document) RunUID() string {
	switch d.Kind {
	case KindStart:
		return d.Start.RunUID
	case KindDescriptor:
		return d.Descriptor.RunUID
	case KindEvent:
		return d.Event.RunUID
	case KindStop:
		return d.Stop.RunUID
	default:
		return ""
	}
}

func (d Document) String() string {
	switch d.Kind {
	case KindStart:
		return fmt.Sprintf("Start{run=%s plan=%s}", d.Start.RunUID, d.Start.PlanName)
	case KindDescriptor:
		return fmt.Sprintf("Descriptor{run=%s stream=%s fields=%d}", d.Descriptor.RunUID, d.Descriptor.StreamName, len(d.Descriptor.Fields))
	case KindEvent:
		return fmt.Sprintf("Event{run=%s stream=%s seq=%d}", d.Event.RunUID, d.Event.StreamName, d.Event.Seq)
	case KindStop:
		return fmt.Sprintf("Stop{run=%s status=%s events=%d}", d.Stop.RunUID, d.Stop.ExitStatus.Status, d.Stop.NumEvents)
	default:
		return "Document{}"
	}
}
