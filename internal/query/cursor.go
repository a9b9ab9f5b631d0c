package query

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursors are opaque resume points. Scan cursors encode "slot:signature";
// aggregation cursors encode "k1:v1|k2:v2|...|hash:h" over the group-by
// values, with a checksum so a tampered cursor is detectably invalid.

// ScanCursor is the decoded resume point of a row scan.
type ScanCursor struct {
	Slot      uint64
	Signature string
}

// EncodeScanCursor packs a scan resume point.
func EncodeScanCursor(slot uint64, signature string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(strconv.FormatUint(slot, 10) + ":" + signature))
}

// DecodeScanCursor unpacks a scan cursor. Errors mean the cursor is not
// ours; callers drop it silently.
func DecodeScanCursor(cursor string) (ScanCursor, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return ScanCursor{}, fmt.Errorf("decoding cursor: %w", err)
	}
	slotStr, sig, ok := strings.Cut(string(raw), ":")
	if !ok || sig == "" {
		return ScanCursor{}, fmt.Errorf("malformed scan cursor")
	}
	slot, err := strconv.ParseUint(slotStr, 10, 64)
	if err != nil {
		return ScanCursor{}, fmt.Errorf("malformed cursor slot: %w", err)
	}
	return ScanCursor{Slot: slot, Signature: sig}, nil
}

// GroupPair is one group-by key and its rendered value.
type GroupPair struct {
	Key   string
	Value string
}

func groupPayload(pairs []GroupPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.Key+":"+p.Value)
	}
	return strings.Join(parts, "|")
}

// EncodeGroupCursor packs an aggregation resume point over group-by values.
func EncodeGroupCursor(pairs []GroupPair) string {
	payload := groupPayload(pairs)
	return base64.StdEncoding.EncodeToString(
		[]byte(payload + "|hash:" + HashBase36(payload)))
}

// DecodeGroupCursor unpacks and checksums an aggregation cursor.
func DecodeGroupCursor(cursor string) ([]GroupPair, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decoding cursor: %w", err)
	}
	payload, hash, ok := strings.Cut(string(raw), "|hash:")
	if !ok {
		return nil, fmt.Errorf("malformed group cursor")
	}
	if HashBase36(payload) != hash {
		return nil, fmt.Errorf("group cursor checksum mismatch")
	}
	var pairs []GroupPair
	for _, part := range strings.Split(payload, "|") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed group cursor pair %q", part)
		}
		pairs = append(pairs, GroupPair{Key: k, Value: v})
	}
	return pairs, nil
}
