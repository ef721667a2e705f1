package orderbook

import (
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levels(t *testing.T, pairs ...string) []Level {
	t.Helper()
	require.Zero(t, len(pairs)%2, "pairs must be price/volume")

	out := make([]Level, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		l, err := NewLevel(pairs[i], pairs[i+1])
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

func prices(ls []Level) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Price)
	}
	return out
}

func TestNewLevelRejectsGarbage(t *testing.T) {
	_, err := NewLevel("abc", "1.0")
	require.Error(t, err)

	_, err = NewLevel("100.0", "")
	require.Error(t, err)
}

func TestApplySnapshotSortsAndDropsEmpty(t *testing.T) {
	b := New(DefaultDepth)
	b.ApplySnapshot(
		levels(t, "101.0", "2.0", "100.0", "1.0", "102.0", "0.000"),
		levels(t, "98.0", "1.0", "99.0", "3.0"),
	)

	assert.Equal(t, []string{"100.0", "101.0"}, prices(b.Asks()))
	assert.Equal(t, []string{"99.0", "98.0"}, prices(b.Bids()))
	assert.False(t, b.Crossed())
}

func TestApplySnapshotCollapsesRepeatedPrices(t *testing.T) {
	b := New(DefaultDepth)
	b.ApplySnapshot(
		levels(t, "100.0", "1.0", "101.0", "2.0", "100.0", "4.0"),
		levels(t, "99.0", "1.0", "99.0", "0.0"),
	)

	asks := b.Asks()
	require.Len(t, asks, 2)
	assert.Equal(t, "100.0", asks[0].Price)
	assert.Equal(t, "4.0", asks[0].Volume)
	assert.Equal(t, "101.0", asks[1].Price)
	assert.Empty(t, b.Bids())
}

func TestApplyDelta(t *testing.T) {
	testCases := []struct {
		desc     string
		asks     []string
		bids     []string
		wantAsks []string
		wantBids []string
	}{
		{
			desc:     "replace volume",
			asks:     []string{"100.0", "5.0"},
			wantAsks: []string{"100.0", "101.0"},
			wantBids: []string{"99.0"},
		},
		{
			desc:     "insert level",
			asks:     []string{"100.5", "1.0"},
			bids:     []string{"99.5", "1.0"},
			wantAsks: []string{"100.0", "100.5", "101.0"},
			wantBids: []string{"99.5", "99.0"},
		},
		{
			desc:     "remove level",
			asks:     []string{"100.0", "0"},
			wantAsks: []string{"101.0"},
			wantBids: []string{"99.0"},
		},
		{
			desc:     "insert then remove in one batch",
			bids:     []string{"98.0", "1.0", "98.0", "0.00000000"},
			wantAsks: []string{"100.0", "101.0"},
			wantBids: []string{"99.0"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			b := New(DefaultDepth)
			b.ApplySnapshot(levels(t, "100.0", "1.0", "101.0", "2.0"), levels(t, "99.0", "1.0"))

			b.ApplyDelta(levels(t, tc.asks...), levels(t, tc.bids...))

			assert.Equal(t, tc.wantAsks, prices(b.Asks()))
			assert.Equal(t, tc.wantBids, prices(b.Bids()))
		})
	}

	t.Run("volume replaced", func(t *testing.T) {
		b := New(DefaultDepth)
		b.ApplySnapshot(levels(t, "100.0", "1.0"), nil)
		b.ApplyDelta(levels(t, "100.0", "5.0"), nil)

		ask, ok := b.BestAsk()
		require.True(t, ok)
		assert.Equal(t, "5.0", ask.Volume)
	})
}

func TestDepthInvariant(t *testing.T) {
	b := New(DefaultDepth)

	var asks, bids []string
	for i := 0; i < 40; i++ {
		asks = append(asks, fmt.Sprintf("%d.0", 200+i), "1.0")
		bids = append(bids, fmt.Sprintf("%d.0", 199-i), "1.0")
	}
	b.ApplySnapshot(levels(t, asks...), levels(t, bids...))
	require.Len(t, b.Asks(), DefaultDepth)
	require.Len(t, b.Bids(), DefaultDepth)

	b.ApplyDelta(levels(t, "150.0", "1.0", "201.0", "0"), levels(t, "199.5", "2.0"))

	for _, side := range [][]Level{b.Asks(), b.Bids()} {
		assert.LessOrEqual(t, len(side), DefaultDepth)
		for _, l := range side {
			assert.False(t, l.VolumeValue().IsZero(), "zero volume level %s kept", l.Price)
		}
	}

	ask, _ := b.BestAsk()
	bid, _ := b.BestBid()
	assert.Equal(t, "150.0", ask.Price)
	assert.Equal(t, "199.5", bid.Price)
	assert.True(t, b.Crossed())
}

func TestChecksumSnapshotScenario(t *testing.T) {
	b := New(DefaultDepth)
	b.ApplySnapshot(levels(t, "100.0", "1.0"), levels(t, "99.0", "1.0"))

	// 100.0 -> 1000, 1.0 -> 10, 99.0 -> 990, 1.0 -> 10
	want := crc32.ChecksumIEEE([]byte("10001099010"))
	assert.Equal(t, want, b.Checksum())

	b.ApplyDelta(levels(t, "100.0", "0"), nil)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("99010")), b.Checksum())
}

func TestChecksumUsesTopTenLevels(t *testing.T) {
	b := New(DefaultDepth)

	var asks, bids []string
	for i := 0; i < 15; i++ {
		asks = append(asks, fmt.Sprintf("0.%03d", 500+i), "0.10000")
		bids = append(bids, fmt.Sprintf("0.%03d", 499-i), "0.10000")
	}
	b.ApplySnapshot(levels(t, asks...), levels(t, bids...))

	want := ""
	for i := 0; i < ChecksumDepth; i++ {
		want += fmt.Sprintf("%d", 500+i) + "10000"
	}
	for i := 0; i < ChecksumDepth; i++ {
		want += fmt.Sprintf("%d", 499-i) + "10000"
	}
	assert.Equal(t, crc32.ChecksumIEEE([]byte(want)), b.Checksum())
}

func TestChecksumIndependentOfDeltaChunking(t *testing.T) {
	snapAsks := []string{"100.0", "1.0", "101.0", "2.0", "102.0", "3.0"}
	snapBids := []string{"99.0", "1.0", "98.0", "2.0"}

	whole := New(DefaultDepth)
	whole.ApplySnapshot(levels(t, snapAsks...), levels(t, snapBids...))
	whole.ApplyDelta(
		levels(t, "100.0", "0", "100.5", "4.0", "103.0", "1.5"),
		levels(t, "98.0", "0.5", "97.0", "1.0"),
	)

	split := New(DefaultDepth)
	split.ApplySnapshot(levels(t, snapAsks...), levels(t, snapBids...))
	split.ApplyDelta(levels(t, "100.0", "0", "100.5", "4.0"), levels(t, "98.0", "0.5"))
	split.ApplyDelta(levels(t, "103.0", "1.5"), levels(t, "97.0", "1.0"))

	assert.Equal(t, whole.Checksum(), split.Checksum())
	assert.Equal(t, prices(whole.Asks()), prices(split.Asks()))
	assert.Equal(t, prices(whole.Bids()), prices(split.Bids()))
}

func TestChecksumField(t *testing.T) {
	testCases := map[string]string{
		"0.05005":    "5005",
		"0.00000500": "500",
		"100.0":      "1000",
		"1534.10000": "153410000",
		"0.00000":    "0",
		"42":         "42",
	}
	for in, want := range testCases {
		assert.Equal(t, want, checksumField(in), in)
	}
}

func TestParseChecksum(t *testing.T) {
	v, err := ParseChecksum("3310070434")
	require.NoError(t, err)
	assert.Equal(t, uint32(3310070434), v)

	v, err = ParseChecksum("-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), v)

	_, err = ParseChecksum("nope")
	require.Error(t, err)

	_, err = ParseChecksum("99999999999")
	require.Error(t, err)
}

// Book and checksum published in the exchange's websocket checksum guide.
var (
	guideAsks = []string{"0.05005", "0.05010", "0.05015", "0.05020", "0.05025", "0.05030", "0.05035", "0.05040", "0.05045", "0.05050"}
	guideBids = []string{"0.05000", "0.04995", "0.04990", "0.04980", "0.04975", "0.04970", "0.04965", "0.04960", "0.04955", "0.04950"}
)

const guideChecksum = "974947235"

func guideLevels(t *testing.T, prices []string) []Level {
	t.Helper()
	pairs := make([]string, 0, 2*len(prices))
	for _, p := range prices {
		pairs = append(pairs, p, "0.00000500")
	}
	return levels(t, pairs...)
}

func TestChecksumMatchesExchangeGuide(t *testing.T) {
	want, err := ParseChecksum(guideChecksum)
	require.NoError(t, err)

	t.Run("snapshot", func(t *testing.T) {
		b := New(DefaultDepth)
		b.ApplySnapshot(guideLevels(t, guideAsks), guideLevels(t, guideBids))
		assert.Equal(t, want, b.Checksum())
	})

	t.Run("deltas", func(t *testing.T) {
		b := New(DefaultDepth)
		b.ApplySnapshot(guideLevels(t, guideAsks[:4]), guideLevels(t, guideBids[:3]))
		assert.NotEqual(t, want, b.Checksum())

		// A level outside the top ten and a removed level do not change the result.
		b.ApplyDelta(levels(t, "0.05100", "1.00000000"), nil)
		b.ApplyDelta(guideLevels(t, guideAsks[4:]), nil)
		b.ApplyDelta(nil, levels(t, "0.04985", "2.00000000"))
		b.ApplyDelta(nil, guideLevels(t, guideBids[3:]))
		b.ApplyDelta(nil, levels(t, "0.04985", "0.00000000"))

		assert.Equal(t, want, b.Checksum())
	})
}
