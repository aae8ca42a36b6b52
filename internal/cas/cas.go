// Package cas provides the hashing primitives used to content-address
// snapshots, coverage blobs and compiled units: BLAKE3 for identities,
// HighwayHash-128 for source digests, and canonical JSON encoding.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/minio/highwayhash"
	"lukechampine.com/blake3"
)

// DigestSize is the byte length of a BLAKE3 digest as used for ids.
const DigestSize = 32

// highwayKey is fixed so that source digests are stable across processes.
var highwayKey = []byte("skippy/source-digest/v1/00000000")

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Blake3Hash computes a BLAKE3-256 hash of data.
func Blake3Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// Blake3HashHex computes a BLAKE3-256 hash and returns it hex encoded.
func Blake3HashHex(data []byte) string {
	return hex.EncodeToString(Blake3Hash(data))
}

// NewBlake3Hasher returns a streaming BLAKE3-256 hasher.
func NewBlake3Hasher() *blake3.Hasher {
	return blake3.New(DigestSize, nil)
}

// Digest128Hex returns the 128-bit HighwayHash of data as 32 hex characters.
func Digest128Hex(data []byte) string {
	h, err := highwayhash.New128(highwayKey)
	if err != nil {
		// only fails on a key of the wrong length
		panic(err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IsDigestHex reports whether s looks like a hex encoded BLAKE3 id.
func IsDigestHex(s string) bool {
	if len(s) != DigestSize*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// CanonicalJSON encodes v as JSON with object keys sorted at every level
// and no insignificant whitespace, so equal values always encode to equal
// bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Decode generically so struct field order does not leak into the output.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// ShortID truncates a hex id for display.
func ShortID(s string) string {
	if len(s) >= 12 {
		return s[:12]
	}
	return s
}
