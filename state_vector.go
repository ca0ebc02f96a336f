package ycrdt

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/drpcorg/ycrdt/protocol"
)

// StateVector maps each known client to the next clock expected from it.
type StateVector map[uint64]uint64

func (sv StateVector) Get(client uint64) uint64 {
	return sv[client]
}

func (sv StateVector) Set(client, clock uint64) {
	sv[client] = clock
}

// Put raises the clock of the client, returns whether it changed.
func (sv StateVector) Put(client, clock uint64) bool {
	pre, ok := sv[client]
	if ok && pre >= clock {
		return false
	}
	sv[client] = clock
	return true
}

// Covers tells whether sv has seen everything b has seen.
func (sv StateVector) Covers(b StateVector) bool {
	for client, clock := range b {
		if clock > sv[client] {
			return false
		}
	}
	return true
}

func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	for k, v := range sv {
		c[k] = v
	}
	return c
}

func (sv StateVector) Equal(b StateVector) bool {
	if len(sv) != len(b) {
		return false
	}
	for client, clock := range sv {
		if bc, ok := b[client]; !ok || bc != clock {
			return false
		}
	}
	return true
}

// Clients returns the client ids in descending order.
func (sv StateVector) Clients() []uint64 {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	slices.Reverse(clients)
	return clients
}

func (sv StateVector) String() string {
	clients := sv.Clients()
	slices.Reverse(clients)
	ret := make([]byte, 0, len(sv)*24)
	for i, client := range clients {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = append(ret, ID{client, sv[client]}.String()...)
	}
	return string(ret)
}

func writeStateVector(enc *protocol.Encoder, sv StateVector) {
	enc.WriteVarUint(uint64(len(sv)))
	for _, client := range sv.Clients() {
		enc.WriteVarUint(client)
		enc.WriteVarUint(sv[client])
	}
}

func readStateVector(dec *protocol.Decoder) StateVector {
	n := dec.ReadVarUint()
	sv := make(StateVector)
	for i := uint64(0); i < n && dec.Err() == nil; i++ {
		client := dec.ReadVarUint()
		clock := dec.ReadVarUint()
		sv[client] = clock
	}
	return sv
}

// EncodeStateVector writes sv in the wire format shared by both update profiles.
func EncodeStateVector(sv StateVector) []byte {
	enc := protocol.NewEncoder()
	writeStateVector(enc, sv)
	return enc.Bytes()
}

func DecodeStateVector(data []byte) (StateVector, error) {
	dec := protocol.NewDecoder(data)
	sv := readStateVector(dec)
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode state vector")
	}
	return sv, nil
}

// EncodeDocStateVector encodes the current state vector of doc.
func EncodeDocStateVector(doc *Doc) []byte {
	return EncodeStateVector(doc.store.StateVector())
}
