package local

import (
	"encoding/binary"

	"github.com/runefall/bifrost/internal/loglet"
)

// Key layout. Big-endian fixed-width encodings make the natural byte
// ordering of keys match the numeric ordering of (logID, offset), which
// is what cursor seeks rely on.

var enc = binary.BigEndian

const (
	// dbName is the stable on-disk identity of the store.
	dbName = "local-loglet"

	dataBucket     = "logstore_data"
	metadataBucket = "logstore_metadata"

	dataKeyLen     = 16
	metadataKeyLen = 9
)

type metadataKind byte

const metadataKindLogState metadataKind = 0x01

// dataKey encodes the data-bucket key of one record.
func dataKey(logID uint64, off loglet.Offset) []byte {
	key := make([]byte, dataKeyLen)
	enc.PutUint64(key[:8], logID)
	enc.PutUint64(key[8:], uint64(off))
	return key
}

// dataKeyPrefix covers every record of one log.
func dataKeyPrefix(logID uint64) []byte {
	prefix := make([]byte, 8)
	enc.PutUint64(prefix, logID)
	return prefix
}

// splitDataKey decodes a data-bucket key. ok is false for foreign keys.
func splitDataKey(key []byte) (logID uint64, off loglet.Offset, ok bool) {
	if len(key) != dataKeyLen {
		return 0, loglet.OffsetInvalid, false
	}
	return enc.Uint64(key[:8]), loglet.Offset(enc.Uint64(key[8:])), true
}

// metadataKey encodes the metadata-bucket key of one per-log entry.
func metadataKey(logID uint64, kind metadataKind) []byte {
	key := make([]byte, metadataKeyLen)
	enc.PutUint64(key[:8], logID)
	key[8] = byte(kind)
	return key
}
