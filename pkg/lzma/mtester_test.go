package lzma

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

const testDict = 4096

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestDecodeFixtures(t *testing.T) {
	testCases := []struct {
		desc   string
		member string
		orig   string
	}{
		{desc: "literals and one match", member: "hello.lz", orig: "hello.orig"},
		{desc: "long matches", member: "seq1024.lz", orig: "seq1024.orig"},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			member := readFixture(t, tc.member)
			orig := readFixture(t, tc.orig)

			var out bytes.Buffer
			mt := NewTester(member, testDict)
			mt.SetWriter(&out)
			assert.Equal(t, ResOK, mt.Test())
			assert.True(t, mt.Finished())
			assert.Equal(t, orig, out.Bytes())
			assert.Equal(t, int64(len(orig)), mt.DataPosition())
			assert.Equal(t, int64(len(member)), mt.MemberPosition())
			assert.Equal(t, lzip.CRC(orig), mt.CRC())
		})
	}
}

func TestDecodeCorrupt(t *testing.T) {
	member := readFixture(t, "seq1024.lz")

	t.Run("bit flip fails", func(t *testing.T) {
		buf := append([]byte(nil), member...)
		buf[25] ^= 0x01
		mt := NewTester(buf, testDict)
		res := mt.Test()
		assert.NotEqual(t, ResOK, res)
		// the failure position is inside the member
		assert.Greater(t, mt.MemberPosition(), int64(lzip.HeaderSize))
		assert.LessOrEqual(t, mt.MemberPosition(), int64(len(buf)))
	})

	t.Run("truncation reports eof", func(t *testing.T) {
		buf := append([]byte(nil), member[:len(member)/2]...)
		mt := NewTester(buf, testDict)
		res := mt.Test()
		assert.Contains(t, []int{ResEOF, ResDecodeError, ResTrailer, ResMarker}, res)
	})

	t.Run("trailer crc mismatch", func(t *testing.T) {
		buf := append([]byte(nil), member...)
		buf[len(buf)-20] ^= 0xFF // stored CRC
		mt := NewTester(buf, testDict)
		assert.Equal(t, ResTrailer, mt.Test())
	})

	t.Run("trailer size mismatch", func(t *testing.T) {
		buf := append([]byte(nil), member...)
		buf[len(buf)-16] ^= 0x01 // stored data size
		mt := NewTester(buf, testDict)
		assert.Equal(t, ResTrailer, mt.Test())
	})
}

func TestSuspendAndResume(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	orig := readFixture(t, "seq1024.orig")

	mt := NewTester(member, testDict)
	require.Equal(t, ResLimit, mt.TestMember(100, NoLimit))
	assert.GreaterOrEqual(t, mt.MemberPosition(), int64(100))
	assert.Less(t, mt.MemberPosition(), int64(len(member)))
	// resuming the same tester finishes the member
	assert.Equal(t, ResOK, mt.TestMember(NoLimit, NoLimit))
	assert.Equal(t, lzip.CRC(orig), mt.CRC())
}

func TestForkResume(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	orig := readFixture(t, "seq1024.orig")

	master := NewTester(member, testDict)
	require.Equal(t, ResLimit, master.TestMember(100, NoLimit))
	masterPos := master.MemberPosition()

	// several forks from the same suspend point decode independently
	for i := 0; i < 3; i++ {
		buf := make([]byte, testDict)
		fork := master.Fork(buf)
		assert.Equal(t, ResOK, fork.Test())
		assert.True(t, fork.Finished())
		assert.Equal(t, lzip.CRC(orig), fork.CRC())
	}
	// the master itself is untouched by the forks
	assert.Equal(t, masterPos, master.MemberPosition())
}

func TestForkSeesMutations(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	buf := append([]byte(nil), member...)

	master := NewTester(buf, testDict)
	require.Equal(t, ResLimit, master.TestMember(100, NoLimit))

	dict := make([]byte, testDict)
	fork := master.Fork(dict)
	require.Equal(t, ResOK, fork.Test())

	// a mutation after the suspend point is visible to a new fork
	buf[150] ^= 0x10
	fork2 := master.Fork(dict)
	assert.NotEqual(t, ResOK, fork2.Test())
	buf[150] ^= 0x10
	fork3 := master.Fork(dict)
	assert.Equal(t, ResOK, fork3.Test())
}

func TestOutputWindow(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	orig := readFixture(t, "seq1024.orig")

	testCases := []struct {
		desc       string
		skip, end  int64
	}{
		{desc: "prefix", skip: 0, end: 100},
		{desc: "middle", skip: 123, end: 456},
		{desc: "suffix", skip: 1000, end: 1024},
		{desc: "whole", skip: 0, end: 1024},
		{desc: "empty", skip: 512, end: 512},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var out bytes.Buffer
			mt := NewTester(member, testDict)
			mt.SetWriter(&out)
			mt.SetOutputWindow(tc.skip, tc.end)
			// partial output does not relax trailer verification
			assert.Equal(t, ResOK, mt.Test())
			assert.True(t, bytes.Equal(orig[tc.skip:tc.end], out.Bytes()))
		})
	}
}

func TestSmallDictWindow(t *testing.T) {
	// dictionary smaller than the data forces buffer wrap-around
	member := readFixture(t, "seq1024.lz")
	orig := readFixture(t, "seq1024.orig")
	var out bytes.Buffer
	mt := NewTester(member, 512)
	mt.SetWriter(&out)
	require.Equal(t, ResOK, mt.Test())
	assert.Equal(t, orig, out.Bytes())
}

func TestDistanceBeyondDictionary(t *testing.T) {
	// a member whose matches reach back 256 bytes cannot decode with a
	// bogus 128-byte window; the tester must fail cleanly, not panic
	member := readFixture(t, "seq1024.lz")
	mt := NewTester(member, 128)
	assert.Equal(t, ResDecodeError, mt.Test())
}

func TestDebugDecodeMember(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	mt := NewTester(member, testDict)
	res, stats := mt.DebugDecodeMember(0)
	assert.Equal(t, ResOK, res)
	// 256 literals + 3 matches + eos marker
	assert.Equal(t, uint64(260), stats.TotalPackets)
	assert.Equal(t, uint(256), stats.MaxDistance)
	assert.Greater(t, stats.MaxMarkerSize, int64(0))
	assert.NotEmpty(t, stats.MaxPacketPos)
}
