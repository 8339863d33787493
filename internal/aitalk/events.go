package aitalk

import (
	"bytes"
	"strconv"
)

// EventKind classifies a synthesis-time annotation.
type EventKind int

const (
	// EventPhonetic is a phoneme label.
	EventPhonetic EventKind = iota + 1
	// EventBookmark is a bookmark embedded in the input.
	EventBookmark
	// EventPosition is an automatic bookmark carrying an input offset.
	EventPosition
)

func (k EventKind) String() string {
	switch k {
	case EventPhonetic:
		return "phonetic"
	case EventBookmark:
		return "bookmark"
	case EventPosition:
		return "position"
	default:
		return "unknown"
	}
}

// Event is one annotation with the engine tick it was emitted at. Name is
// set for phonetic and bookmark events, Offset for position events.
type Event struct {
	Tick   uint64
	Kind   EventKind
	Name   string
	Offset uint32
}

// collect appends the annotation for reason to j. Unknown reasons are
// ignored and auto-bookmarks whose payload is not a base-10 uint32 are
// dropped. It reports whether an event was recorded.
func (j *Job) collect(reason EventReason, tick uint64, name []byte) bool {
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	var ev Event
	switch reason {
	case ReasonPhoneticLabel:
		ev = Event{Tick: tick, Kind: EventPhonetic, Name: ShiftJIS.Decode(name)}
	case ReasonBookmark:
		ev = Event{Tick: tick, Kind: EventBookmark, Name: ShiftJIS.Decode(name)}
	case ReasonAutoBookmark:
		off, err := strconv.ParseUint(string(name), 10, 32)
		if err != nil {
			return false
		}
		ev = Event{Tick: tick, Kind: EventPosition, Offset: uint32(off)}
	default:
		return false
	}
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
	return true
}
