package redisstream

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoder is the pluggable payload codec. The core only ever calls Encode
// and Decode; it never inspects the wire bytes itself (SPEC_FULL.md §1).
type Encoder interface {
	// Encode serializes payload for the given logical type name.
	Encode(typeName string, payload any) ([]byte, error)

	// Decode deserializes bytes previously produced by Encode for typeName
	// into a new value of the type that typeName maps to.
	Decode(typeName string, data []byte) (any, error)
}

// TypeMapper resolves a logical type name to a concrete Go value the
// Encoder can decode into, and the reverse lookup used on publish.
type TypeMapper interface {
	// TypeName returns the logical type name for a payload value.
	TypeName(payload any) (string, error)

	// New returns a fresh zero value for typeName, ready to be decoded into.
	New(typeName string) (any, error)
}

// JSONEncoder is the default Encoder, backed by encoding/json. It decodes
// into whatever TypeMapper.New(typeName) returns.
type JSONEncoder struct {
	Types TypeMapper
}

// NewJSONEncoder builds a JSONEncoder over the given TypeMapper.
func NewJSONEncoder(types TypeMapper) *JSONEncoder {
	return &JSONEncoder{Types: types}
}

func (e *JSONEncoder) Encode(_ string, payload any) ([]byte, error) {
	return json.Marshal(payload)
}

func (e *JSONEncoder) Decode(typeName string, data []byte) (any, error) {
	out, err := e.Types.New(typeName)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MsgpackEncoder is an opt-in Encoder using vmihailenco/msgpack, for
// deployments that want a more compact wire payload than JSON text.
type MsgpackEncoder struct {
	Types TypeMapper
}

// NewMsgpackEncoder builds a MsgpackEncoder over the given TypeMapper.
func NewMsgpackEncoder(types TypeMapper) *MsgpackEncoder {
	return &MsgpackEncoder{Types: types}
}

func (e *MsgpackEncoder) Encode(_ string, payload any) ([]byte, error) {
	return msgpack.Marshal(payload)
}

func (e *MsgpackEncoder) Decode(typeName string, data []byte) (any, error) {
	out, err := e.Types.New(typeName)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// mapTypeMapper is a TypeMapper backed by a static registry of constructor
// functions, the common case where the set of message types is known
// up front.
type mapTypeMapper struct {
	byName map[string]func() any
	nameOf func(any) (string, error)
}

// NewMapTypeMapper builds a TypeMapper from a type-name -> constructor
// registry. nameOf is used to resolve the type name for a payload on
// publish; it should be the same key used in ctors.
func NewMapTypeMapper(ctors map[string]func() any, nameOf func(any) (string, error)) TypeMapper {
	return &mapTypeMapper{byName: ctors, nameOf: nameOf}
}

func (m *mapTypeMapper) TypeName(payload any) (string, error) {
	return m.nameOf(payload)
}

func (m *mapTypeMapper) New(typeName string) (any, error) {
	ctor, ok := m.byName[typeName]
	if !ok {
		return nil, ErrEncodeDecode(fmt.Errorf("unknown message type %q", typeName))
	}
	return ctor(), nil
}
