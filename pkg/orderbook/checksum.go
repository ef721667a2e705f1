package orderbook

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum computes the exchange's CRC32 over the top ChecksumDepth asks
// (low to high) followed by the top ChecksumDepth bids (high to low).
func (b *Book) Checksum() uint32 {
	var sb strings.Builder
	writeChecksumLevels(&sb, b.asks)
	writeChecksumLevels(&sb, b.bids)
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

func writeChecksumLevels(sb *strings.Builder, levels []Level) {
	n := len(levels)
	if n > ChecksumDepth {
		n = ChecksumDepth
	}
	for _, l := range levels[:n] {
		sb.WriteString(checksumField(l.Price))
		sb.WriteString(checksumField(l.Volume))
	}
}

// checksumField drops the decimal point and any leading zeros, the same
// result as reading the digits back as an integer. Trailing zeros are kept.
func checksumField(s string) string {
	s = strings.TrimLeft(strings.ReplaceAll(s, ".", ""), "0")
	if s == "" {
		return "0"
	}
	return s
}

// ParseChecksum reads the server's checksum field. The exchange sends an
// unsigned value; a signed rendering is reinterpreted as its uint32 bits.
func ParseChecksum(s string) (uint32, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("orderbook: parse checksum %q: %w", s, err)
		}
		return uint32(int32(v)), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("orderbook: parse checksum %q: %w", s, err)
	}
	return uint32(v), nil
}
