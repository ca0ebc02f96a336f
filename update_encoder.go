package ycrdt

import (
	"encoding/json"
	"fmt"

	"github.com/drpcorg/ycrdt/protocol"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

// dsEncoder writes delete sets and state vectors.
type dsEncoder interface {
	rest() *protocol.Encoder
	resetDsCurVal()
	writeDsClock(clock uint64)
	writeDsLen(length uint64)
	Bytes() []byte
}

// updateEncoder writes structs in one of the two wire profiles.
type updateEncoder interface {
	dsEncoder
	// swapRest detaches the bytes written to the rest stream so far.
	swapRest() []byte
	writeLeftID(id ID)
	writeRightID(id ID)
	writeClient(client uint64)
	writeInfo(info uint8)
	writeString(s string)
	writeParentInfo(isYKey bool)
	writeTypeRef(ref uint8)
	writeLen(length uint64)
	writeAny(v any)
	writeBuf(b []byte)
	writeJSON(v any)
	writeKey(key string)
}

func mustWriteAny(enc *protocol.Encoder, v any) {
	if err := enc.WriteAny(v); err != nil {
		panic(fmt.Errorf("%w: %v", ycrdt_errors.ErrUnsupportedValue, err))
	}
}

func marshalJSON(v any) string {
	if v == protocol.Undefined {
		return "undefined"
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("%w: %v", ycrdt_errors.ErrUnsupportedValue, err))
	}
	return string(b)
}

type DSEncoderV1 struct {
	restEnc *protocol.Encoder
}

func NewDSEncoderV1() *DSEncoderV1 {
	return &DSEncoderV1{restEnc: protocol.NewEncoder()}
}

func (e *DSEncoderV1) rest() *protocol.Encoder { return e.restEnc }

func (e *DSEncoderV1) resetDsCurVal() {}

func (e *DSEncoderV1) writeDsClock(clock uint64) {
	e.restEnc.WriteVarUint(clock)
}

func (e *DSEncoderV1) writeDsLen(length uint64) {
	e.restEnc.WriteVarUint(length)
}

func (e *DSEncoderV1) Bytes() []byte {
	return e.restEnc.Bytes()
}

// UpdateEncoderV1 writes every field into one sequential stream.
type UpdateEncoderV1 struct {
	DSEncoderV1
}

func NewUpdateEncoderV1() *UpdateEncoderV1 {
	return &UpdateEncoderV1{DSEncoderV1{restEnc: protocol.NewEncoder()}}
}

func (e *UpdateEncoderV1) swapRest() []byte {
	b := e.restEnc.Bytes()
	e.restEnc = protocol.NewEncoder()
	return b
}

func (e *UpdateEncoderV1) writeLeftID(id ID) {
	writeID(e.restEnc, id)
}

func (e *UpdateEncoderV1) writeRightID(id ID) {
	writeID(e.restEnc, id)
}

func (e *UpdateEncoderV1) writeClient(client uint64) {
	e.restEnc.WriteVarUint(client)
}

func (e *UpdateEncoderV1) writeInfo(info uint8) {
	e.restEnc.WriteUint8(info)
}

func (e *UpdateEncoderV1) writeString(s string) {
	e.restEnc.WriteVarString(s)
}

func (e *UpdateEncoderV1) writeParentInfo(isYKey bool) {
	if isYKey {
		e.restEnc.WriteVarUint(1)
	} else {
		e.restEnc.WriteVarUint(0)
	}
}

func (e *UpdateEncoderV1) writeTypeRef(ref uint8) {
	e.restEnc.WriteVarUint(uint64(ref))
}

func (e *UpdateEncoderV1) writeLen(length uint64) {
	e.restEnc.WriteVarUint(length)
}

func (e *UpdateEncoderV1) writeAny(v any) {
	mustWriteAny(e.restEnc, v)
}

func (e *UpdateEncoderV1) writeBuf(b []byte) {
	e.restEnc.WriteVarBytes(b)
}

func (e *UpdateEncoderV1) writeJSON(v any) {
	e.restEnc.WriteVarString(marshalJSON(v))
}

func (e *UpdateEncoderV1) writeKey(key string) {
	e.restEnc.WriteVarString(key)
}

type DSEncoderV2 struct {
	restEnc   *protocol.Encoder
	dsCurrVal uint64
}

func NewDSEncoderV2() *DSEncoderV2 {
	return &DSEncoderV2{restEnc: protocol.NewEncoder()}
}

func (e *DSEncoderV2) rest() *protocol.Encoder { return e.restEnc }

func (e *DSEncoderV2) resetDsCurVal() {
	e.dsCurrVal = 0
}

func (e *DSEncoderV2) writeDsClock(clock uint64) {
	diff := clock - e.dsCurrVal
	e.dsCurrVal = clock
	e.restEnc.WriteVarUint(diff)
}

func (e *DSEncoderV2) writeDsLen(length uint64) {
	if length == 0 {
		panic(ycrdt_errors.ErrUnexpectedCase)
	}
	e.restEnc.WriteVarUint(length - 1)
	e.dsCurrVal += length
}

func (e *DSEncoderV2) Bytes() []byte {
	return e.restEnc.Bytes()
}

// UpdateEncoderV2 groups fields of one kind into separate run-length
// encoded columns, written in front of the rest stream.
type UpdateEncoderV2 struct {
	DSEncoderV2
	keyClock   int64
	keyClocks  protocol.IntDiffOptRleEncoder
	clients    protocol.UintOptRleEncoder
	leftClock  protocol.IntDiffOptRleEncoder
	rightClock protocol.IntDiffOptRleEncoder
	info       protocol.RleEncoder
	strings    protocol.StringEncoder
	parentInfo protocol.RleEncoder
	typeRefs   protocol.UintOptRleEncoder
	lens       protocol.UintOptRleEncoder
}

func NewUpdateEncoderV2() *UpdateEncoderV2 {
	return &UpdateEncoderV2{DSEncoderV2: DSEncoderV2{restEnc: protocol.NewEncoder()}}
}

func (e *UpdateEncoderV2) Bytes() []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(0) // feature flag
	enc.WriteVarBytes(e.keyClocks.Bytes())
	enc.WriteVarBytes(e.clients.Bytes())
	enc.WriteVarBytes(e.leftClock.Bytes())
	enc.WriteVarBytes(e.rightClock.Bytes())
	enc.WriteVarBytes(e.info.Bytes())
	enc.WriteVarBytes(e.strings.Bytes())
	enc.WriteVarBytes(e.parentInfo.Bytes())
	enc.WriteVarBytes(e.typeRefs.Bytes())
	enc.WriteVarBytes(e.lens.Bytes())
	enc.WriteBytes(e.restEnc.Bytes())
	return enc.Bytes()
}

func (e *UpdateEncoderV2) swapRest() []byte {
	b := e.restEnc.Bytes()
	e.restEnc = protocol.NewEncoder()
	return b
}

func (e *UpdateEncoderV2) writeLeftID(id ID) {
	e.clients.Write(id.Client)
	e.leftClock.Write(int64(id.Clock))
}

func (e *UpdateEncoderV2) writeRightID(id ID) {
	e.clients.Write(id.Client)
	e.rightClock.Write(int64(id.Clock))
}

func (e *UpdateEncoderV2) writeClient(client uint64) {
	e.clients.Write(client)
}

func (e *UpdateEncoderV2) writeInfo(info uint8) {
	e.info.Write(info)
}

func (e *UpdateEncoderV2) writeString(s string) {
	e.strings.Write(s)
}

func (e *UpdateEncoderV2) writeParentInfo(isYKey bool) {
	if isYKey {
		e.parentInfo.Write(1)
	} else {
		e.parentInfo.Write(0)
	}
}

func (e *UpdateEncoderV2) writeTypeRef(ref uint8) {
	e.typeRefs.Write(uint64(ref))
}

func (e *UpdateEncoderV2) writeLen(length uint64) {
	e.lens.Write(length)
}

func (e *UpdateEncoderV2) writeAny(v any) {
	mustWriteAny(e.restEnc, v)
}

func (e *UpdateEncoderV2) writeBuf(b []byte) {
	e.restEnc.WriteVarBytes(b)
}

func (e *UpdateEncoderV2) writeJSON(v any) {
	mustWriteAny(e.restEnc, v)
}

// writeKey never reuses a key clock: every key is written as a fresh string.
func (e *UpdateEncoderV2) writeKey(key string) {
	e.keyClocks.Write(e.keyClock)
	e.keyClock++
	e.strings.Write(key)
}
