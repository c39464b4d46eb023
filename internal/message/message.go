// Package message implements the policy-domain wire envelope: a
// fixed-layout header, a kind-specific body, and an optional trailing
// payload region, together with the marshal/unmarshal pair that must
// round-trip (section 8, law L1).
//
// The body shape is deliberately one generic, reusable struct rather
// than two dozen per-kind Go types. The original C runtime gets away
// with a union of kind-specific structs because C's type system is
// unsafe; the wire description's I/IO/O ownership classes are mostly
// shared across kinds anyway (a target GUID, a secondary GUID, a slot,
// a mode, a parameter vector, a hint map, a status code). Using one
// struct here keeps every handler in internal/pd reading the same
// shape while Type tells each handler which fields it cares about.
package message

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/status"
)

// Type is the policy message kind. The low bits select the kind; the
// high bits (RequestBit / ResponseBit) mark whether this instance is a
// request, a response, or a req-response (reusable request-as-response
// buffer per section 3's "Ownership rule").
type Type uint32

const (
	typeKindMask Type = 0x00FF
	// RequestBit marks this message as a request.
	RequestBit Type = 1 << 8
	// ResponseBit marks this message as a response (possibly the same
	// buffer as the request it answers, reused in place).
	ResponseBit Type = 1 << 9
)

// Kind returns just the type-only component, the key into the PD's
// fixed handler table (section 4.1: "look up a local handler table
// keyed by type & TYPE_ONLY").
func (t Type) Kind() Type { return t & typeKindMask }

// IsRequest / IsResponse test the request/response bits.
func (t Type) IsRequest() bool  { return t&RequestBit != 0 }
func (t Type) IsResponse() bool { return t&ResponseBit != 0 }

// AsResponse flips a request type into its response form in place,
// implementing "a request can be returned as its own response."
func (t Type) AsResponse() Type {
	return (t &^ RequestBit) | ResponseBit
}

// The closed handler table of section 4.1.
const (
	EvtCreate Type = iota + 1
	EvtDestroy
	EvtSatisfy
	DepAdd
	DepSatisfy
	DbCreate
	DbAcquire
	DbRelease
	DbDestroy
	EdtTemplateCreate
	EdtTemplateDestroy
	WorkCreate
	WorkDestroy
	GuidCreate
	GuidReserve
	GuidDestroy
	MemAlloc
	MemUnalloc
	MetadataComm
	CommTake
	CommGive
	SchedGetWork
	SchedNotify
	MgtRlNotify
)

var kindNames = map[Type]string{
	EvtCreate: "EVT_CREATE", EvtDestroy: "EVT_DESTROY", EvtSatisfy: "EVT_SATISFY",
	DepAdd: "DEP_ADD", DepSatisfy: "DEP_SATISFY",
	DbCreate: "DB_CREATE", DbAcquire: "DB_ACQUIRE", DbRelease: "DB_RELEASE", DbDestroy: "DB_DESTROY",
	EdtTemplateCreate: "EDTTEMP_CREATE", EdtTemplateDestroy: "EDTTEMP_DESTROY",
	WorkCreate: "WORK_CREATE", WorkDestroy: "WORK_DESTROY",
	GuidCreate: "GUID_CREATE", GuidReserve: "GUID_RESERVE", GuidDestroy: "GUID_DESTROY",
	MemAlloc: "MEM_ALLOC", MemUnalloc: "MEM_UNALLOC",
	MetadataComm: "METADATA_COMM", CommTake: "COMM_TAKE", CommGive: "COMM_GIVE",
	SchedGetWork: "SCHED_GET_WORK", SchedNotify: "SCHED_NOTIFY", MgtRlNotify: "MGT_RL_NOTIFY",
}

func (t Type) String() string {
	name, ok := kindNames[t.Kind()]
	if !ok {
		name = fmt.Sprintf("TYPE(%d)", t.Kind())
	}
	if t.IsRequest() {
		name += "|REQ"
	}
	if t.IsResponse() {
		name += "|RESP"
	}
	return name
}

// AcquireMode is a data-block acquire mode: RO, CONST, RW, EW, or NULL
// (no dependence, used for control-only slots).
type AcquireMode uint8

const (
	ModeNull AcquireMode = iota
	ModeRO
	ModeConst
	ModeRW
	ModeEW
)

func (m AcquireMode) String() string {
	switch m {
	case ModeRO:
		return "RO"
	case ModeConst:
		return "CONST"
	case ModeRW:
		return "RW"
	case ModeEW:
		return "EW"
	default:
		return "NULL"
	}
}

// IsWriter reports whether the mode grants write access.
func (m AcquireMode) IsWriter() bool {
	return m == ModeRW || m == ModeEW
}

// Header is the fixed-layout envelope header described in section 6.
type Header struct {
	Type       Type
	SrcLoc     guid.Location
	DestLoc    guid.Location
	MsgID      uint64
	BufferSize uint64
	UsefulSize uint64
}

// Body carries kind-specific fields. Not every field is meaningful for
// every Type; internal/pd's handler table interprets Body contextually
// per message Type, the same way the original union does per C struct
// tag.
type Body struct {
	Target  guid.GUID         // primary target (EDT/DB/Event/Template GUID)
	Target2 guid.GUID         // secondary target (e.g. dependence source)
	Slot    uint32            // dependence slot index
	Mode    AcquireMode       // acquire mode
	Status  status.Code       // outcome for responses
	Params  []uint64          // EDT parameter vector / generic u64 args
	Hint    map[string]uint64 // sparse (key->u64) hint map, never dense
	RL      RunlevelArgs      // MGT_RL_NOTIFY payload
	Extra   []guid.GUID       // e.g. register-node lists, clone targets
}

// RunlevelArgs is the body of an MGT_RL_NOTIFY message.
type RunlevelArgs struct {
	Level     uint32
	Phase     uint32
	BringUp   bool
	IsRequest bool
	Barrier   bool
}

// Flags mark whether the trailing payload holds pointer-linked
// substructures that must be rebased on deserialization (section 6).
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagMarshallDBPtr indicates the payload holds a DB's raw contents.
	FlagMarshallDBPtr Flags = 1 << 0
	// FlagMarshallNSAddr indicates the payload holds register-node /
	// hint-array substructures needing pointer rebasing.
	FlagMarshallNSAddr Flags = 1 << 1
)

// Message is a reusable request/response envelope. The originator owns
// it; a transport that must retain it past the send call copies it
// into its own pool (section 3's ownership rule). Payload is the
// trailing marshalled region (DB contents, hint arrays, node lists).
type Message struct {
	Header  Header
	Body    Body
	Flags   Flags
	Payload []byte
}

// NewRequest builds a request message addressed from src to dst.
func NewRequest(kind Type, src, dst guid.Location, msgID uint64, body Body) *Message {
	m := &Message{
		Header: Header{
			Type:    kind | RequestBit,
			SrcLoc:  src,
			DestLoc: dst,
			MsgID:   msgID,
		},
		Body: body,
	}
	m.refreshSizes()
	return m
}

// ReuseAsResponse turns a request message into its own response in
// place, flipping src/dst and the request/response bits, per section
// 3's "messages are reusable" rule and property P4 (matching msgId,
// flipped src/dst).
func (m *Message) ReuseAsResponse(body Body) {
	m.Header.Type = m.Header.Type.AsResponse()
	m.Header.SrcLoc, m.Header.DestLoc = m.Header.DestLoc, m.Header.SrcLoc
	m.Body = body
	m.refreshSizes()
}

func (m *Message) refreshSizes() {
	enc, err := m.marshalBody()
	if err != nil {
		return
	}
	m.Header.UsefulSize = uint64(len(enc) + len(m.Payload))
	if m.Header.BufferSize < m.Header.UsefulSize {
		m.Header.BufferSize = m.Header.UsefulSize
	}
}

func (m *Message) marshalBody() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// wireEnvelope is the gob-serializable shape of a Message, used so
// Marshal/Unmarshal round-trip exactly per law L1.
type wireEnvelope struct {
	Header  Header
	Body    Body
	Flags   Flags
	Payload []byte
}

// Marshal encodes a Message to bytes. Pointer-linked fields (none at
// this level — payload pointer rebasing happens one layer down, in the
// transport when FlagMarshallDBPtr/FlagMarshallNSAddr are set) are
// encoded as plain values since the Go representation carries no raw
// pointers across the wire.
func Marshal(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	w := wireEnvelope{Header: m.Header, Body: m.Body, Flags: m.Flags, Payload: m.Payload}
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal back into a Message.
func Unmarshal(data []byte) (*Message, error) {
	var w wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &Message{Header: w.Header, Body: w.Body, Flags: w.Flags, Payload: w.Payload}, nil
}
