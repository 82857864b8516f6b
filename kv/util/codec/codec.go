package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeKey combines a user key with a commit timestamp into a single storage
// key. Encoded keys sort first by user key ascending, then by timestamp
// descending, so the newest version of a key is the first one at or after a
// seek to (key, ts).
func EncodeKey(key []byte, ts uint64) []byte {
	return AppendTs(EncodeBytes(key), ts)
}

// EncodeBytes encodes data so that byte-wise comparison of encodings matches
// comparison of the raw values, using the memcomparable group format: the
// input is cut into 8-byte groups, each zero-padded and followed by a marker
// byte of 0xFF minus the pad count.
func EncodeBytes(data []byte) []byte {
	dLen := len(data)
	// Room for all groups plus the trailing timestamp most callers append.
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1)+8)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}
		result = append(result, encMarker-byte(padCount))
	}
	return result
}

// AppendTs appends an inverted timestamp so encoded keys order newest first.
func AppendTs(encodedKey []byte, ts uint64) []byte {
	newKey := append(encodedKey, make([]byte, 8)...)
	binary.BigEndian.PutUint64(newKey[len(newKey)-8:], ^ts)
	return newKey
}

// DecodeUserKey strips the timestamp suffix and returns the raw user key.
func DecodeUserKey(key []byte) ([]byte, error) {
	_, userKey, err := DecodeBytes(key)
	return userKey, errors.Trace(err)
}

// DecodeTs extracts the commit timestamp from an encoded key.
func DecodeTs(key []byte) (uint64, error) {
	left, _, err := DecodeBytes(key)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(left) < 8 {
		return 0, errors.New("encoded key has no timestamp suffix")
	}
	return ^binary.BigEndian.Uint64(left), nil
}

// DecodeBytes reverses EncodeBytes, returning the leftover bytes (the
// timestamp suffix, if any) and the decoded value.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}
		group := b[:encGroupSize]
		marker := b[encGroupSize]
		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte %x", marker)
		}
		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]
		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte %x", v)
				}
			}
			break
		}
	}
	return b, data, nil
}
