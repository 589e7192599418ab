package xlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSNRoundTrip(t *testing.T) {
	for _, s := range []string{"0/0", "0/16B3748", "16/B374D848", "FFFFFFFF/FFFFFFFF"} {
		lsn, err := ParseLSN(s)
		require.NoError(t, err)
		back, err := ParseLSN(lsn.String())
		require.NoError(t, err)
		assert.Equal(t, lsn, back)
	}
}

func TestParseLSNRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "16B3748", "1/2/3", "zz/00"} {
		_, err := ParseLSN(s)
		assert.Error(t, err, s)
	}
}

func TestSegmentMath(t *testing.T) {
	segSize := uint64(DefaultSegmentSize)
	lsn, _ := ParseLSN("1/2000000")
	n := SegmentNo(lsn, segSize)
	assert.Equal(t, SegNo(0x12), n)
	assert.Equal(t, lsn, SegmentStart(n, segSize))
	assert.Equal(t, uint64(0), SegmentOffset(lsn, segSize))
}

func TestSegmentFileNameRoundTrip(t *testing.T) {
	segSize := uint64(DefaultSegmentSize)
	name := SegmentFileName(2, 0x102, segSize)
	assert.Equal(t, "000000020000000100000002", name)
	assert.True(t, IsWalFileName(name))

	tli, n, err := ParseSegmentFileName(name, segSize)
	require.NoError(t, err)
	assert.Equal(t, TimelineID(2), tli)
	assert.Equal(t, SegNo(0x102), n)
}

func TestParseSegmentFileNameRejects(t *testing.T) {
	segSize := uint64(DefaultSegmentSize)
	_, _, err := ParseSegmentFileName("xyz", segSize)
	assert.Error(t, err)
	// segment-in-log beyond segsPerLog
	_, _, err = ParseSegmentFileName("000000010000000100000100", segSize)
	assert.Error(t, err)
}

const historyFixture = `# comment
1	0/3000000	no recovery target specified
2	0/5000028	before 2025-03-10 12:00:00
`

func TestParseHistory(t *testing.T) {
	h, err := ParseHistory(3, strings.NewReader(historyFixture))
	require.NoError(t, err)
	require.Len(t, h.Entries, 2)

	sw1, _ := ParseLSN("0/3000000")
	sw2, _ := ParseLSN("0/5000028")

	assert.Equal(t, TimelineID(1), h.ParentAt(sw1-1))
	assert.Equal(t, TimelineID(2), h.ParentAt(sw1))
	assert.Equal(t, TimelineID(2), h.ParentAt(sw2-1))
	assert.Equal(t, TimelineID(3), h.ParentAt(sw2))

	assert.True(t, h.Contains(1))
	assert.True(t, h.Contains(2))
	assert.True(t, h.Contains(3))
	assert.False(t, h.Contains(4))

	assert.Equal(t, sw2, h.SwitchPointOf(3))
}

func TestParseHistoryMalformed(t *testing.T) {
	_, err := ParseHistory(2, strings.NewReader("only-one-field\n"))
	assert.Error(t, err)
}
