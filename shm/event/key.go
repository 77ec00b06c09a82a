package event

import (
	"fmt"
	"hash/fnv"

	"github.com/joshuapare/shmkit/internal/buf"
)

// Key addresses an event. A SrcID of zero subscribes to every source of
// SrcType.
type Key struct {
	ServerType uint32
	EventID    uint32
	SrcType    uint32
	_          uint32
	SrcID      uint64
}

// NewKey builds a Key.
func NewKey(serverType, eventID, srcType uint32, srcID uint64) Key {
	return Key{ServerType: serverType, EventID: eventID, SrcType: srcType, SrcID: srcID}
}

// Wildcard returns k with the source id cleared.
func (k Key) Wildcard() Key {
	k.SrcID = 0
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.ServerType, k.EventID, k.SrcType, k.SrcID)
}

// hash is FNV-1a over the little-endian fields. It must be stable across
// processes because it indexes region-resident key lists.
func (k Key) hash() uint64 {
	var b [20]byte
	buf.PutU32LE(b[0:], k.ServerType)
	buf.PutU32LE(b[4:], k.EventID)
	buf.PutU32LE(b[8:], k.SrcType)
	buf.PutU64LE(b[12:], k.SrcID)
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}
