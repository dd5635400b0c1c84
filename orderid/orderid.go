package orderid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/howeyc/crc16"

	"github.com/sigflow/sigflow/sigflow"
)

// OrderId is the deterministic client order id attached to every order the
// trader submits. Encoding the originating signal and the order role lets a
// restarted process recognize its own orders on the venue.
type OrderId struct {
	CreatedAt time.Time // day precision, UTC
	SignalKey uint32    // FNV-1a of the signal id
	Kind      sigflow.OrderKind
	Attempt   uint32 // reserved in the layout, always zero today
}

// New derives an OrderId for the given signal and order role.
func New(signalID string, kind sigflow.OrderKind, createdAt time.Time) OrderId {
	h := fnv.New32a()
	h.Write([]byte(signalID))
	return OrderId{
		CreatedAt: createdAt.UTC(),
		SignalKey: h.Sum32(),
		Kind:      kind,
	}
}

func (id OrderId) String() string {
	return id.Hex()
}

// Hex returns the cloid in the 0x-prefixed 128-bit form the venue expects.
func (id OrderId) Hex() string {
	return "0x" + hex.EncodeToString(id.Bytes())
}

// Bytes returns the 16 byte representation of the order id.
// All components are BigEndian encoded as:
// 2 bytes for the creation day (days since unix epoch, UTC)
// 4 bytes for the signal key uint32
// 4 bytes for the order kind uint32
// 4 bytes for the attempt uint32
// 2 bytes for a CRC16 of the preceding bytes
func (id OrderId) Bytes() []byte {
	out := make([]byte, 0, 16)

	days := id.CreatedAt.UTC().Unix() / 86400
	out = binary.BigEndian.AppendUint16(out, uint16(days))
	out = binary.BigEndian.AppendUint32(out, id.SignalKey)
	out = binary.BigEndian.AppendUint32(out, uint32(id.Kind))
	out = binary.BigEndian.AppendUint32(out, id.Attempt)
	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(out, crc16.IBMTable))

	return out
}

var ErrWrongLength error = fmt.Errorf("order id must be 16 bytes")
var ErrIncorrectChecksum error = fmt.Errorf("checksum does not match")

// FromBytes returns an OrderId from the provided bytes. If the CRC16
// checksum does not pass an error is returned. The time is loaded with UTC.
func FromBytes(v []byte) (OrderId, error) {
	if len(v) != 16 {
		return OrderId{}, ErrWrongLength
	}

	if crc16.Checksum(v[0:14], crc16.IBMTable) != binary.BigEndian.Uint16(v[14:16]) {
		return OrderId{}, ErrIncorrectChecksum
	}

	var id OrderId
	days := binary.BigEndian.Uint16(v[0:2])
	id.CreatedAt = time.Unix(int64(days)*86400, 0).UTC()
	id.SignalKey = binary.BigEndian.Uint32(v[2:6])
	id.Kind = sigflow.OrderKind(binary.BigEndian.Uint32(v[6:10]))
	id.Attempt = binary.BigEndian.Uint32(v[10:14])

	return id, nil
}

// FromHexString strips off a prepending 0x if present.
func FromHexString(s string) (OrderId, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return OrderId{}, fmt.Errorf("could not decode: %s", err)
	}
	return FromBytes(b)
}
