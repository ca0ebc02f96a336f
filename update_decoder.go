package ycrdt

import (
	"encoding/json"
	"math"

	"github.com/drpcorg/ycrdt/protocol"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

type dsDecoder interface {
	rest() *protocol.Decoder
	resetDsCurVal()
	readDsClock() uint64
	readDsLen() uint64
	Err() error
}

type updateDecoder interface {
	dsDecoder
	readLeftID() ID
	readRightID() ID
	readClient() uint64
	readInfo() uint8
	readString() string
	readParentInfo() bool
	readTypeRef() uint8
	readLen() uint64
	readAny() any
	readBuf() []byte
	readJSON() any
	readKey() string
}

func unmarshalJSON(dec *protocol.Decoder, s string) any {
	if s == "undefined" {
		return protocol.Undefined
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		dec.Fail(ycrdt_errors.ErrMalformedUpdate)
		return nil
	}
	return v
}

type DSDecoderV1 struct {
	restDec *protocol.Decoder
}

func NewDSDecoderV1(data []byte) *DSDecoderV1 {
	return &DSDecoderV1{restDec: protocol.NewDecoder(data)}
}

func (d *DSDecoderV1) rest() *protocol.Decoder { return d.restDec }

func (d *DSDecoderV1) resetDsCurVal() {}

func (d *DSDecoderV1) readDsClock() uint64 {
	return d.restDec.ReadVarUint()
}

func (d *DSDecoderV1) readDsLen() uint64 {
	return d.restDec.ReadVarUint()
}

func (d *DSDecoderV1) Err() error {
	return d.restDec.Err()
}

type UpdateDecoderV1 struct {
	DSDecoderV1
}

func NewUpdateDecoderV1(data []byte) *UpdateDecoderV1 {
	return &UpdateDecoderV1{DSDecoderV1{restDec: protocol.NewDecoder(data)}}
}

func (d *UpdateDecoderV1) readLeftID() ID {
	return readID(d.restDec)
}

func (d *UpdateDecoderV1) readRightID() ID {
	return readID(d.restDec)
}

func (d *UpdateDecoderV1) readClient() uint64 {
	return d.restDec.ReadVarUint()
}

func (d *UpdateDecoderV1) readInfo() uint8 {
	return d.restDec.ReadUint8()
}

func (d *UpdateDecoderV1) readString() string {
	return d.restDec.ReadVarString()
}

func (d *UpdateDecoderV1) readParentInfo() bool {
	return d.restDec.ReadVarUint() == 1
}

func (d *UpdateDecoderV1) readTypeRef() uint8 {
	ref := d.restDec.ReadVarUint()
	if ref > math.MaxUint8 {
		d.restDec.Fail(ycrdt_errors.ErrUnknownTypeRef)
	}
	return uint8(ref)
}

func (d *UpdateDecoderV1) readLen() uint64 {
	return d.restDec.ReadVarUint()
}

func (d *UpdateDecoderV1) readAny() any {
	return d.restDec.ReadAny()
}

func (d *UpdateDecoderV1) readBuf() []byte {
	return append([]byte(nil), d.restDec.ReadVarBytes()...)
}

func (d *UpdateDecoderV1) readJSON() any {
	return unmarshalJSON(d.restDec, d.restDec.ReadVarString())
}

func (d *UpdateDecoderV1) readKey() string {
	return d.restDec.ReadVarString()
}

type DSDecoderV2 struct {
	restDec   *protocol.Decoder
	dsCurrVal uint64
}

func NewDSDecoderV2(data []byte) *DSDecoderV2 {
	return &DSDecoderV2{restDec: protocol.NewDecoder(data)}
}

func (d *DSDecoderV2) rest() *protocol.Decoder { return d.restDec }

func (d *DSDecoderV2) resetDsCurVal() {
	d.dsCurrVal = 0
}

func (d *DSDecoderV2) readDsClock() uint64 {
	d.dsCurrVal += d.restDec.ReadVarUint()
	return d.dsCurrVal
}

func (d *DSDecoderV2) readDsLen() uint64 {
	diff := d.restDec.ReadVarUint() + 1
	d.dsCurrVal += diff
	return diff
}

func (d *DSDecoderV2) Err() error {
	return d.restDec.Err()
}

type UpdateDecoderV2 struct {
	DSDecoderV2
	keys       []string
	keyClocks  *protocol.IntDiffOptRleDecoder
	clients    *protocol.UintOptRleDecoder
	leftClock  *protocol.IntDiffOptRleDecoder
	rightClock *protocol.IntDiffOptRleDecoder
	info       *protocol.RleDecoder
	strings    *protocol.StringDecoder
	parentInfo *protocol.RleDecoder
	typeRefs   *protocol.UintOptRleDecoder
	lens       *protocol.UintOptRleDecoder
}

func NewUpdateDecoderV2(data []byte) *UpdateDecoderV2 {
	dec := protocol.NewDecoder(data)
	dec.ReadVarUint() // feature flag
	d := &UpdateDecoderV2{
		keyClocks:  protocol.NewIntDiffOptRleDecoder(dec.ReadVarBytes()),
		clients:    protocol.NewUintOptRleDecoder(dec.ReadVarBytes()),
		leftClock:  protocol.NewIntDiffOptRleDecoder(dec.ReadVarBytes()),
		rightClock: protocol.NewIntDiffOptRleDecoder(dec.ReadVarBytes()),
		info:       protocol.NewRleDecoder(dec.ReadVarBytes()),
		strings:    protocol.NewStringDecoder(dec.ReadVarBytes()),
		parentInfo: protocol.NewRleDecoder(dec.ReadVarBytes()),
		typeRefs:   protocol.NewUintOptRleDecoder(dec.ReadVarBytes()),
		lens:       protocol.NewUintOptRleDecoder(dec.ReadVarBytes()),
	}
	d.restDec = dec
	return d
}

func (d *UpdateDecoderV2) Err() error {
	for _, err := range []error{
		d.restDec.Err(),
		d.keyClocks.Err(),
		d.clients.Err(),
		d.leftClock.Err(),
		d.rightClock.Err(),
		d.info.Err(),
		d.strings.Err(),
		d.parentInfo.Err(),
		d.typeRefs.Err(),
		d.lens.Err(),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *UpdateDecoderV2) clock(v int64) uint64 {
	if v < 0 {
		d.restDec.Fail(ycrdt_errors.ErrMalformedUpdate)
		return 0
	}
	return uint64(v)
}

func (d *UpdateDecoderV2) readLeftID() ID {
	return ID{d.clients.Read(), d.clock(d.leftClock.Read())}
}

func (d *UpdateDecoderV2) readRightID() ID {
	return ID{d.clients.Read(), d.clock(d.rightClock.Read())}
}

func (d *UpdateDecoderV2) readClient() uint64 {
	return d.clients.Read()
}

func (d *UpdateDecoderV2) readInfo() uint8 {
	return d.info.Read()
}

func (d *UpdateDecoderV2) readString() string {
	return d.strings.Read()
}

func (d *UpdateDecoderV2) readParentInfo() bool {
	return d.parentInfo.Read() == 1
}

func (d *UpdateDecoderV2) readTypeRef() uint8 {
	ref := d.typeRefs.Read()
	if ref > math.MaxUint8 {
		d.restDec.Fail(ycrdt_errors.ErrUnknownTypeRef)
	}
	return uint8(ref)
}

func (d *UpdateDecoderV2) readLen() uint64 {
	return d.lens.Read()
}

func (d *UpdateDecoderV2) readAny() any {
	return d.restDec.ReadAny()
}

func (d *UpdateDecoderV2) readBuf() []byte {
	return append([]byte(nil), d.restDec.ReadVarBytes()...)
}

func (d *UpdateDecoderV2) readJSON() any {
	return d.restDec.ReadAny()
}

func (d *UpdateDecoderV2) readKey() string {
	clock := d.keyClocks.Read()
	if clock >= 0 && clock < int64(len(d.keys)) {
		return d.keys[clock]
	}
	key := d.strings.Read()
	d.keys = append(d.keys, key)
	return key
}
