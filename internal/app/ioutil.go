package app

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"github.com/lzrescue/lzrescue/pkg/index"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

// openInstream opens a regular input file for reading.
func openInstream(name string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, envErr(err, "can't open input file")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, envErr(err, "can't stat input file")
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, nil, envErrf("input file %q is not a regular file", name)
	}
	return f, st, nil
}

// openIndex opens the file and builds its member index.
func openIndex(name string, opts index.Options) (*os.File, os.FileInfo, *index.Index, error) {
	f, st, err := openInstream(name)
	if err != nil {
		return nil, nil, nil, err
	}
	x, err := index.New(f, st.Size(), opts)
	if err != nil {
		f.Close()
		return nil, nil, nil, errors.Wrapf(err, "%s", name)
	}
	return f, st, x, nil
}

// readMember reads the whole member image into memory.
func readMember(f *os.File, mb lzip.Block) ([]byte, error) {
	buf := make([]byte, mb.Size)
	if _, err := f.ReadAt(buf, mb.Pos); err != nil {
		return nil, envErr(err, "error reading member")
	}
	return buf, nil
}

/* mmapMember maps the member copy-on-write so candidate bytes can be
   mutated without touching the source file. The cleanup func unmaps. */
func mmapMember(f *os.File, mb lzip.Block) ([]byte, func(), error) {
	pageSize := int64(os.Getpagesize())
	rem := mb.Pos % pageSize
	data, err := unix.Mmap(int(f.Fd()), mb.Pos-rem, int(mb.Size+rem),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, envErr(err, "can't mmap member")
	}
	return data[rem:], func() { _ = unix.Munmap(data) }, nil
}

// mmapFile maps the whole file. With write true the mapping is
// private, so stores stay in memory.
func mmapFile(f *os.File, size int64, write bool) ([]byte, func(), error) {
	prot := unix.PROT_READ
	if write {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, envErr(err, "can't mmap input file")
	}
	return data, func() { _ = unix.Munmap(data) }, nil
}

// testMemberFromFile reads the member at mb and tests it. The failure
// position is relative to the beginning of the member.
func testMemberFromFile(f io.ReaderAt, mb lzip.Block, dictSize uint) (result int, failurePos int64, err error) {
	buf := make([]byte, mb.Size)
	if _, err := f.ReadAt(buf, mb.Pos); err != nil {
		return lzma.ResEOF, 0, envErr(err, "error reading member")
	}
	var h lzip.Header
	copy(h[:], buf)
	if !h.CheckMagic() || !h.CheckVersion() {
		return lzma.ResEOF, 0, nil
	}
	ds := h.DictSize()
	if !lzip.ValidDictSize(ds) {
		if dictSize == 0 || !lzip.ValidDictSize(dictSize) {
			return lzma.ResEOF, 0, nil
		}
		ds = dictSize
	}
	mt := lzma.NewTester(buf, ds)
	res := mt.Test()
	if res == lzma.ResOK && mt.Finished() {
		return lzma.ResOK, 0, nil
	}
	if res == lzma.ResOK {
		res = lzma.ResDecodeError // trailer found before end of member
	}
	return res, mt.MemberPosition(), nil
}

// copyFileRange copies max bytes from src at spos to w.
func copyFileRange(w io.Writer, src io.ReaderAt, spos, max int64) error {
	sr := io.NewSectionReader(src, spos, max)
	n, err := io.Copy(w, sr)
	if err != nil {
		return envErr(err, "write error")
	}
	if n != max {
		return envErrf("input file ends unexpectedly")
	}
	return nil
}

// insertFixed derives the default output name of a repaired file:
// "foo.lz" becomes "foo_fixed.lz".
func insertFixed(name string) string {
	for _, ext := range []string{".lz", ".tlz"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext) + "_fixed" + ext
		}
	}
	return name + "_fixed"
}

// fileCRC computes the CRC32 of the whole file.
func fileCRC(f *os.File) (uint32, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, envErr(err, "seek error")
	}
	var crc uint32
	buf := make([]byte, 65536)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			crc = lzip.CRCUpdate(crc, buf[:n])
		}
		if err == io.EOF {
			return crc, nil
		}
		if err != nil {
			return 0, envErr(err, "read error")
		}
	}
}
