package bufchan_test

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/bookie/executor/bufchan"
)

func openTempFile(t *testing.T, content []byte) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channel.log")
	require.Nil(t, os.WriteFile(path, content, 0o600))
	fp, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.Nil(t, err)
	return fp, path
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) + 1
	}
	return b
}

type writeCase struct {
	bound    int64
	capacity int
	n        int

	flushed     int64
	buffered    int64
	unpersisted int64
}

func TestWrite_FlushPolicy(t *testing.T) {
	t.Parallel()

	tests := []writeCase{
		// buffer-full flushing only
		{bound: 0, capacity: 1023, n: 1024, flushed: 1023, buffered: 1, unpersisted: 1024},
		{bound: 0, capacity: 1024, n: 1024, flushed: 0, buffered: 1024, unpersisted: 1024},
		{bound: 0, capacity: 1024, n: 1025, flushed: 1024, buffered: 1, unpersisted: 1025},
		{bound: 0, capacity: 1, n: 0, flushed: 0, buffered: 0, unpersisted: 0},
		{bound: 0, capacity: 1, n: 2, flushed: 2, buffered: 0, unpersisted: 2},
		{bound: 0, capacity: 1, n: 1024, flushed: 1024, buffered: 0, unpersisted: 1024},
		{bound: 0, capacity: 666, n: 667, flushed: 666, buffered: 1, unpersisted: 667},
		{bound: 0, capacity: 10, n: 30, flushed: 30, buffered: 0, unpersisted: 30},
		{bound: 0, capacity: 1024, n: 2048, flushed: 2048, buffered: 0, unpersisted: 2048},
		{bound: 0, capacity: 10, n: 35, flushed: 30, buffered: 5, unpersisted: 35},
		// threshold flushing
		{bound: 1023, capacity: 1024, n: 1024, flushed: 1023, buffered: 1, unpersisted: 1},
		{bound: 1023, capacity: 1024, n: 1025, flushed: 1023, buffered: 2, unpersisted: 2},
		{bound: 1023, capacity: 1024, n: 1023, flushed: 1023, buffered: 0, unpersisted: 0},
		{bound: 1024, capacity: 1024, n: 1025, flushed: 1024, buffered: 1, unpersisted: 1},
		{bound: 1024, capacity: 1024, n: 1023, flushed: 0, buffered: 1023, unpersisted: 1023},
		{bound: 100, capacity: 1024, n: 250, flushed: 200, buffered: 50, unpersisted: 50},
		{bound: 4096, capacity: 100, n: 250, flushed: 200, buffered: 50, unpersisted: 50},
		// unbuffered
		{bound: 0, capacity: 0, n: 1, flushed: 1, buffered: 0, unpersisted: 1},
		{bound: 0, capacity: 0, n: 1125, flushed: 1125, buffered: 0, unpersisted: 1125},
		{bound: 666, capacity: 0, n: 667, flushed: 667, buffered: 0, unpersisted: 0},
		{bound: 666, capacity: 0, n: 0, flushed: 0, buffered: 0, unpersisted: 0},
	}
	for _, tt := range tests {
		tt := tt
		name := fmt.Sprintf("bound=%d,capacity=%d,n=%d", tt.bound, tt.capacity, tt.n)
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			// --- given ---
			fp, path := openTempFile(t, []byte("Hello, World!"))
			c, err := bufchan.New(fp, tt.capacity, tt.bound)
			require.Nil(t, err)
			old := c.State()
			src := payload(tt.n)

			// --- when ---
			done := make(chan struct{})
			var n int
			go func() {
				defer close(done)
				n, err = c.Write(src)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("write did not terminate")
			}

			// --- then ---
			require.Nil(t, err)
			assert.Equal(t, tt.n, n)
			st := c.State()
			assert.Equal(t, old.Position+int64(tt.n), st.Position)
			assert.Equal(t, old.FileChannelPosition+tt.flushed, st.FileChannelPosition)
			assert.Equal(t, tt.buffered, st.NumBytesInWriteBuffer)
			assert.Equal(t, tt.unpersisted, st.UnpersistedBytes)
			assert.Equal(t, st.FileChannelPosition+st.NumBytesInWriteBuffer, st.Position)

			onDisk, err := os.ReadFile(path)
			require.Nil(t, err)
			require.GreaterOrEqual(t, int64(len(onDisk)), old.FileChannelPosition+tt.flushed)
			assert.Equal(t, src[:tt.flushed], onDisk[old.FileChannelPosition:old.FileChannelPosition+tt.flushed])

			// close writes out the rest
			require.Nil(t, c.Close())
			onDisk, err = os.ReadFile(path)
			require.Nil(t, err)
			if tt.n > 0 {
				assert.Equal(t, src, onDisk[:tt.n])
			}
		})
	}
}

func TestWrite_ExampleOverflowByOne(t *testing.T) {
	t.Parallel()
	fp, path := openTempFile(t, nil)
	c, err := bufchan.New(fp, 1024, 0)
	require.Nil(t, err)

	src := payload(1025)
	n, err := c.Write(src)
	require.Nil(t, err)
	assert.Equal(t, 1025, n)
	assert.Equal(t, int64(1024), c.FileChannelPosition())
	assert.Equal(t, int64(1), c.NumBytesInWriteBuffer())
	assert.Equal(t, int64(1025), c.Position())

	onDisk, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, src[:1024], onDisk)
	require.Nil(t, c.Close())
}

func TestWrite_OverflowFlushesEveryFilledBuffer(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 10, 0)
	require.Nil(t, err)

	// fits in the free space: stays buffered even when it fills the buffer
	_, err = c.Write(payload(5))
	require.Nil(t, err)
	_, err = c.Write(payload(5))
	require.Nil(t, err)
	assert.Equal(t, bufchan.State{Position: 10, FileChannelPosition: 0, NumBytesInWriteBuffer: 10, UnpersistedBytes: 10}, c.State())

	// a full buffer goes out before more bytes are taken
	_, err = c.Write(payload(1))
	require.Nil(t, err)
	assert.Equal(t, bufchan.State{Position: 11, FileChannelPosition: 10, NumBytesInWriteBuffer: 1, UnpersistedBytes: 11}, c.State())

	// overflowing from a partly filled buffer writes out every buffer it fills
	_, err = c.Write(payload(19))
	require.Nil(t, err)
	assert.Equal(t, bufchan.State{Position: 30, FileChannelPosition: 30, NumBytesInWriteBuffer: 0, UnpersistedBytes: 30}, c.State())
	assert.Equal(t, 30, f.size())
	assert.Equal(t, 0, f.syncs())
}

func TestWrite_SequentialCallsAccumulate(t *testing.T) {
	t.Parallel()
	fp, path := openTempFile(t, nil)
	c, err := bufchan.New(fp, 64, 0)
	require.Nil(t, err)

	var all bytes.Buffer
	for i := 1; i <= 20; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, i*3)
		before := c.Position()
		n, err := c.Write(chunk)
		require.Nil(t, err)
		require.Equal(t, len(chunk), n)
		assert.Equal(t, before+int64(len(chunk)), c.Position())
		all.Write(chunk)
	}
	require.Nil(t, c.Close())

	onDisk, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, all.Bytes(), onDisk)
}

func TestNew_StartsAtCurrentOffset(t *testing.T) {
	t.Parallel()
	fp, path := openTempFile(t, []byte("0123456789"))
	_, err := fp.Seek(0, io.SeekEnd)
	require.Nil(t, err)

	c, err := bufchan.New(fp, 16, 0)
	require.Nil(t, err)
	assert.Equal(t, int64(10), c.Position())
	assert.Equal(t, int64(10), c.FileChannelPosition())

	_, err = c.Write([]byte("abc"))
	require.Nil(t, err)
	require.Nil(t, c.Close())

	onDisk, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, "0123456789abc", string(onDisk))
}

func TestNew_InvalidArguments(t *testing.T) {
	t.Parallel()
	fp, _ := openTempFile(t, nil)
	defer fp.Close()

	_, err := bufchan.New(fp, -1, 0)
	assert.True(t, errors.Is(err, bufchan.ErrInvalidArgument))
	_, err = bufchan.New(fp, 1, -1)
	assert.True(t, errors.Is(err, bufchan.ErrInvalidArgument))
	_, err = bufchan.New(nil, 1, 0)
	assert.True(t, errors.Is(err, bufchan.ErrInvalidArgument))
}

func TestFlushAndForceSync(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 128, 0)
	require.Nil(t, err)

	_, err = c.Write(payload(50))
	require.Nil(t, err)
	assert.Equal(t, 0, f.syncs())

	require.Nil(t, c.Flush())
	st := c.State()
	assert.Equal(t, bufchan.State{Position: 50, FileChannelPosition: 50, NumBytesInWriteBuffer: 0, UnpersistedBytes: 50}, st)
	assert.Equal(t, 0, f.syncs())

	_, err = c.Write(payload(10))
	require.Nil(t, err)
	require.Nil(t, c.ForceSync())
	st = c.State()
	assert.Equal(t, bufchan.State{Position: 60, FileChannelPosition: 60, NumBytesInWriteBuffer: 0, UnpersistedBytes: 0}, st)
	assert.Equal(t, 1, f.syncs())
	assert.Equal(t, 60, f.size())
}

func TestWrite_ThresholdSyncs(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 1024, 100)
	require.Nil(t, err)

	_, err = c.Write(payload(99))
	require.Nil(t, err)
	assert.Equal(t, 0, f.syncs())

	_, err = c.Write(payload(302))
	require.Nil(t, err)
	assert.Equal(t, 4, f.syncs())
	assert.Equal(t, int64(400), c.FileChannelPosition())
	assert.Equal(t, int64(1), c.UnpersistedBytes())
}

func TestWrite_FailedFlushKeepsCounters(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 8, 0)
	require.Nil(t, err)

	_, err = c.Write(payload(8))
	require.Nil(t, err)
	before := c.State()

	f.failWrites(true)
	n, err := c.Write(payload(4))
	assert.NotNil(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, c.State())
	assert.Equal(t, 0, f.size())

	assert.NotNil(t, c.Flush())
	assert.Equal(t, before, c.State())

	f.failWrites(false)
	n, err = c.Write(payload(4))
	require.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(8), c.FileChannelPosition())
	assert.Equal(t, int64(12), c.Position())
}

func TestWrite_FailedThresholdSyncIsRetried(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 16, 10)
	require.Nil(t, err)

	f.failSyncs(true)
	n, err := c.Write(payload(12))
	assert.NotNil(t, err)
	// the first 10 bytes reached the file, the sync did not
	assert.Equal(t, 10, n)
	assert.Equal(t, int64(10), c.Position())
	assert.Equal(t, int64(10), c.FileChannelPosition())
	assert.Equal(t, int64(10), c.UnpersistedBytes())

	f.failSyncs(false)
	n, err = c.Write(payload(2))
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.syncs())
	assert.Equal(t, int64(2), c.UnpersistedBytes())
	assert.Equal(t, int64(12), c.Position())
}

func TestWrite_UnbufferedFailure(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 0, 0)
	require.Nil(t, err)

	f.failWrites(true)
	n, err := c.Write(payload(5))
	assert.NotNil(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, bufchan.State{}, c.State())
}

func TestReadAt(t *testing.T) {
	t.Parallel()
	fp, _ := openTempFile(t, nil)
	c, err := bufchan.New(fp, 16, 0)
	require.Nil(t, err)
	defer c.Close()

	src := payload(40)
	_, err = c.Write(src)
	require.Nil(t, err)
	// 32 bytes flushed, 8 buffered
	require.Equal(t, int64(32), c.FileChannelPosition())

	tests := map[string]struct {
		pos  int64
		size int
	}{
		"file only":         {pos: 0, size: 10},
		"buffer only":       {pos: 33, size: 5},
		"across boundary":   {pos: 28, size: 10},
		"everything":        {pos: 0, size: 40},
		"last byte in file": {pos: 31, size: 1},
	}
	for name, tt := range tests {
		p := make([]byte, tt.size)
		n, err := c.ReadAt(p, tt.pos)
		require.Nil(t, err, name)
		assert.Equal(t, tt.size, n, name)
		assert.Equal(t, src[tt.pos:tt.pos+int64(tt.size)], p, name)
	}

	p := make([]byte, 10)
	n, err := c.ReadAt(p, 35)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, src[35:], p[:5])

	_, err = c.ReadAt(p, -1)
	assert.True(t, errors.Is(err, bufchan.ErrInvalidArgument))
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 64, 0)
	require.Nil(t, err)

	_, err = c.Write(payload(20))
	require.Nil(t, err)
	require.Nil(t, c.Close())
	assert.Equal(t, 20, f.size())
	assert.True(t, f.isClosed())

	// closing again is a no-op
	require.Nil(t, c.Close())

	_, err = c.Write(payload(1))
	assert.Equal(t, bufchan.ErrClosed, err)
	assert.Equal(t, bufchan.ErrClosed, c.Flush())
	assert.Equal(t, bufchan.ErrClosed, c.ForceSync())
}

func TestClose_FlushFailureStillClosesFile(t *testing.T) {
	t.Parallel()
	f := &fakeFile{}
	c, err := bufchan.New(f, 64, 0)
	require.Nil(t, err)

	_, err = c.Write(payload(20))
	require.Nil(t, err)
	f.failWrites(true)
	assert.NotNil(t, c.Close())
	assert.True(t, f.isClosed())
}

func TestConcurrentWrites(t *testing.T) {
	t.Parallel()
	const (
		writers = 8
		writes  = 100
		size    = 37
	)
	f := &fakeFile{}
	c, err := bufchan.New(f, 256, 1000, bufchan.WithName("concurrent"))
	require.Nil(t, err)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			chunk := bytes.Repeat([]byte{b}, size)
			for i := 0; i < writes; i++ {
				_, err := c.Write(chunk)
				assert.Nil(t, err)
			}
		}(byte(w + 1))
	}
	wg.Wait()
	require.Nil(t, c.Close())

	total := writers * writes * size
	assert.Equal(t, total, f.size())

	// every chunk landed contiguously
	data := f.bytes()
	for off := 0; off < total; off += size {
		assert.Equal(t, bytes.Repeat([]byte{data[off]}, size), data[off:off+size])
	}
}

// fakeFile is an in-memory bufchan.File with failure injection.
type fakeFile struct {
	mu        sync.Mutex
	data      []byte
	nSyncs    int
	closed    bool
	writeFail bool
	syncFail  bool
}

func (f *fakeFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeFail {
		return 0, errors.New("injected write failure")
	}
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *fakeFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fakeFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncFail {
		return errors.New("injected sync failure")
	}
	f.nSyncs++
	return nil
}

func (f *fakeFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFile) failWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeFail = v
}

func (f *fakeFile) failSyncs(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncFail = v
}

func (f *fakeFile) syncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nSyncs
}

func (f *fakeFile) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func (f *fakeFile) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeFile) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}
