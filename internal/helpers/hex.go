package helpers

import (
	"encoding/hex"
	"runtime"
)

func EncodeToHex(data []byte) string {
	return hex.EncodeToString(data)
}

func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// WipeBytes zeroes key material in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func ConcatBytes(chunks ...[]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, total)

	i := 0
	for _, c := range chunks {
		i += copy(out[i:], c)
	}
	return out
}
