package query

import "strconv"

// Hash32 is the 32-bit polynomial string hash used for cache keys and
// aggregation cursor checksums: h = (h<<5) - h + byte, i.e. h*31 + byte.
func Hash32(s string) int32 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = (h << 5) - h + int32(s[i])
	}
	return h
}

// HashBase36 renders the absolute value of Hash32 in base 36.
func HashBase36(s string) string {
	h := int64(Hash32(s))
	if h < 0 {
		h = -h
	}
	return strconv.FormatInt(h, 36)
}
