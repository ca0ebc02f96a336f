package ycrdt

import (
	"strconv"

	"github.com/drpcorg/ycrdt/protocol"
)

/*
ID locates one unit of content: the clock-th insertion made by
a client. A struct of length n starting at ID{c, k} covers the ids
{c, k} .. {c, k+n-1}.
*/
type ID struct {
	Client uint64
	Clock  uint64
}

func NewID(client, clock uint64) ID {
	return ID{Client: client, Clock: clock}
}

// Equal compares optional ids; two nils are equal.
func EqualIDs(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (id ID) Less(other ID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Clock < other.Clock
}

func (id ID) Plus(n uint64) ID {
	return ID{id.Client, id.Clock + n}
}

// String renders the id as hex client-clock.
func (id ID) String() string {
	var buf [40]byte
	b := buf[:0]
	b = strconv.AppendUint(b, id.Client, 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, id.Clock, 16)
	return string(b)
}

// IDFromString parses the String form; malformed input yields ok == false.
func IDFromString(idstr string) (parsed ID, ok bool) {
	var parts [2]uint64
	p := 0
	digits := 0
	for i := 0; i < len(idstr); i++ {
		c := idstr[i]
		switch {
		case c >= '0' && c <= '9':
			parts[p] = (parts[p] << 4) | uint64(c-'0')
		case c >= 'A' && c <= 'F':
			parts[p] = (parts[p] << 4) | uint64(10+c-'A')
		case c >= 'a' && c <= 'f':
			parts[p] = (parts[p] << 4) | uint64(10+c-'a')
		case c == '-' && p == 0 && digits > 0:
			p++
			digits = 0
			continue
		default:
			return ID{}, false
		}
		digits++
		if digits > 16 {
			return ID{}, false
		}
	}
	if p != 1 || digits == 0 {
		return ID{}, false
	}
	return ID{parts[0], parts[1]}, true
}

func writeID(enc *protocol.Encoder, id ID) {
	enc.WriteVarUint(id.Client)
	enc.WriteVarUint(id.Clock)
}

func readID(dec *protocol.Decoder) ID {
	client := dec.ReadVarUint()
	clock := dec.ReadVarUint()
	return ID{client, clock}
}
