package app

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

/* outFile is the single output file of the running operation. All
   writes take the mutex so the signal handler can delete a partially
   written file without racing the fec workers. */
type outFile struct {
	mu     sync.Mutex
	f      *os.File
	name   string
	closed bool
}

func (o *outFile) open(name string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Errorf("output file %q already exists, use --force to overwrite", name)
		}
		return errors.Wrapf(err, "can't create output file %q", name)
	}
	o.f = f
	o.name = name
	o.closed = false
	return nil
}

// openRW opens the output read-write; merge re-tests the bytes it has
// just written.
func (o *outFile) openRW(name string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	flags := os.O_CREATE | os.O_RDWR | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Errorf("output file %q already exists, use --force to overwrite", name)
		}
		return errors.Wrapf(err, "can't create output file %q", name)
	}
	o.f = f
	o.name = name
	o.closed = false
	return nil
}

func (o *outFile) useStdout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.f = os.Stdout
	o.name = ""
	o.closed = false
}

func (o *outFile) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, errors.New("output file closed")
	}
	return o.f.Write(p)
}

func (o *outFile) writeAt(p []byte, pos int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("output file closed")
	}
	_, err := o.f.WriteAt(p, pos)
	return err
}

// close keeps the finished file and restores the timestamps of the
// input it was derived from.
func (o *outFile) close(inStats os.FileInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil || o.f == os.Stdout {
		o.f = nil
		return nil
	}
	err := o.f.Close()
	o.closed = true
	if err != nil {
		return errors.Wrapf(err, "error closing output file %q", o.name)
	}
	if inStats != nil {
		if st, ok := inStats.Sys().(*unix.Stat_t); ok {
			tv := []unix.Timeval{
				{Sec: st.Atim.Sec, Usec: st.Atim.Nsec / 1000},
				{Sec: st.Mtim.Sec, Usec: st.Mtim.Nsec / 1000},
			}
			_ = unix.Utimes(o.name, tv)
		}
	}
	o.f = nil
	return nil
}

// cleanup deletes a partially written file. Called on failure and
// from the signal handler.
func (o *outFile) cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil || o.f == os.Stdout {
		return
	}
	_ = o.f.Close()
	o.closed = true
	if o.name != "" {
		_ = os.Remove(o.name)
	}
	o.f = nil
}
