package executor_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/bookie/executor"
	"github.com/alpacahq/bookie/executor/writecache"
	"github.com/alpacahq/bookie/utils"
)

func newStorage(t *testing.T, root string, cacheSize, segmentSize int64) *executor.LedgerStorage {
	t.Helper()

	el, err := executor.OpenEntryLog(filepath.Join(root, executor.LedgerDirName),
		utils.EntryLogConfig{WriteBufferSize: 512})
	require.Nil(t, err)
	journalDir := filepath.Join(root, executor.JournalDirName)
	_, err = executor.RecoverJournals(journalDir, el)
	require.Nil(t, err)
	j, err := executor.OpenJournal(journalDir, journalConfig(1<<20))
	require.Nil(t, err)

	active, err := writecache.New(cacheSize, segmentSize)
	require.Nil(t, err)
	flushing, err := writecache.New(cacheSize, segmentSize)
	require.Nil(t, err)
	s, err := executor.NewLedgerStorage(j, el, active, flushing)
	require.Nil(t, err)
	return s
}

func TestLedgerStorage_AddAndRead(t *testing.T) {
	t.Parallel()

	s := newStorage(t, t.TempDir(), 4096, 1024)
	defer s.Close()

	require.Nil(t, s.AddEntry(1, 0, []byte("hello")))
	require.Nil(t, s.AddEntry(1, 1, []byte{}))

	got, err := s.ReadEntry(1, 0)
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), got)
	got, err = s.ReadEntry(1, 1)
	require.Nil(t, err)
	assert.Empty(t, got)

	assert.True(t, s.HasEntry(1, 0))
	assert.False(t, s.HasEntry(2, 0))
	_, err = s.ReadEntry(2, 0)
	assert.ErrorIs(t, err, executor.ErrEntryNotFound)
	_, err = s.GetLastEntry(2)
	assert.ErrorIs(t, err, executor.ErrEntryNotFound)
	assert.Nil(t, s.SyncJournal())
}

func TestLedgerStorage_InvalidArguments(t *testing.T) {
	t.Parallel()

	s := newStorage(t, t.TempDir(), 4096, 1024)
	defer s.Close()

	assert.ErrorIs(t, s.AddEntry(-1, 0, []byte("a")), writecache.ErrInvalidArgument)
	assert.ErrorIs(t, s.AddEntry(0, -1, []byte("a")), writecache.ErrInvalidArgument)
	assert.ErrorIs(t, s.AddEntry(0, 0, nil), writecache.ErrInvalidArgument)
}

func TestNewLedgerStorage_InvalidParts(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	el, err := executor.OpenEntryLog(filepath.Join(root, executor.LedgerDirName), utils.EntryLogConfig{})
	require.Nil(t, err)
	defer el.Close()
	j, err := executor.OpenJournal(filepath.Join(root, executor.JournalDirName), journalConfig(1<<20))
	require.Nil(t, err)
	defer j.Close()
	wc, err := writecache.New(1024, 512)
	require.Nil(t, err)

	_, err = executor.NewLedgerStorage(j, el, wc, nil)
	assert.NotNil(t, err)
	_, err = executor.NewLedgerStorage(j, el, wc, wc)
	assert.NotNil(t, err)
}

func TestLedgerStorage_FlushMovesEntriesToEntryLog(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	s := newStorage(t, root, 4096, 1024)
	defer s.Close()

	for m := int64(0); m < 10; m++ {
		require.Nil(t, s.AddEntry(7, m, bytes.Repeat([]byte{byte(m)}, 100)))
	}
	assert.Equal(t, int64(1000), s.CacheSize())
	assert.True(t, s.NeedsFlush(0.2))
	assert.False(t, s.NeedsFlush(0.5))

	require.Nil(t, s.Flush())
	assert.Equal(t, int64(0), s.CacheSize())
	for m := int64(0); m < 10; m++ {
		got, err := s.ReadEntry(7, m)
		require.Nil(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(m)}, 100), got)
	}

	// only the journal opened by the flush's rotation is left
	assert.Len(t, journalFiles(t, filepath.Join(root, executor.JournalDirName)), 1)

	// flushing an empty cache is a no-op
	require.Nil(t, s.Flush())
}

func TestLedgerStorage_GetLastEntry(t *testing.T) {
	t.Parallel()

	s := newStorage(t, t.TempDir(), 4096, 1024)
	defer s.Close()

	require.Nil(t, s.AddEntry(1, 5, []byte("five")))
	require.Nil(t, s.AddEntry(1, 2, []byte("two")))

	// cached: the latest put
	got, err := s.GetLastEntry(1)
	require.Nil(t, err)
	assert.Equal(t, []byte("two"), got)

	// entry log: the highest member id
	require.Nil(t, s.Flush())
	got, err = s.GetLastEntry(1)
	require.Nil(t, err)
	assert.Equal(t, []byte("five"), got)
}

func TestLedgerStorage_FullCacheIsFlushed(t *testing.T) {
	t.Parallel()

	// two 512-byte segments hold two 300-byte entries
	s := newStorage(t, t.TempDir(), 1024, 512)
	defer s.Close()

	for m := int64(0); m < 3; m++ {
		require.Nil(t, s.AddEntry(1, m, bytes.Repeat([]byte{byte(m)}, 300)))
	}
	assert.Equal(t, int64(300), s.CacheSize())
	for m := int64(0); m < 3; m++ {
		got, err := s.ReadEntry(1, m)
		require.Nil(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(m)}, 300), got)
	}
}

func TestLedgerStorage_OversizedEntryGoesToEntryLog(t *testing.T) {
	t.Parallel()

	s := newStorage(t, t.TempDir(), 1024, 512)
	defer s.Close()

	big := bytes.Repeat([]byte{0xab}, 600)
	require.Nil(t, s.AddEntry(1, 0, big))
	assert.Equal(t, int64(0), s.CacheSize())

	got, err := s.ReadEntry(1, 0)
	require.Nil(t, err)
	assert.Equal(t, big, got)
}

func TestLedgerStorage_RecoversJournaledEntries(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	crashed := newStorage(t, root, 4096, 1024)
	require.Nil(t, crashed.AddEntry(1, 0, []byte("flushed")))
	require.Nil(t, crashed.Flush())
	require.Nil(t, crashed.AddEntry(1, 1, []byte("journaled")))
	require.Nil(t, crashed.AddEntry(2, 0, []byte("also journaled")))
	require.Nil(t, crashed.SyncJournal())
	// crashed is abandoned without Close; its cache content only lives in the journal

	s := newStorage(t, root, 4096, 1024)
	defer s.Close()

	for _, tc := range []struct {
		g, m int64
		want string
	}{
		{1, 0, "flushed"},
		{1, 1, "journaled"},
		{2, 0, "also journaled"},
	} {
		got, err := s.ReadEntry(tc.g, tc.m)
		require.Nil(t, err, fmt.Sprintf("entry %d@%d", tc.m, tc.g))
		assert.Equal(t, []byte(tc.want), got)
	}
	assert.Equal(t, int64(0), s.CacheSize())
}

func TestLedgerStorage_CloseFlushes(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	s := newStorage(t, root, 4096, 1024)
	require.Nil(t, s.AddEntry(3, 3, []byte("kept")))
	require.Nil(t, s.Close())
	require.Nil(t, s.Close())

	assert.ErrorIs(t, s.AddEntry(3, 4, []byte("late")), executor.ErrClosed)
	_, err := s.ReadEntry(3, 3)
	assert.ErrorIs(t, err, executor.ErrClosed)
	assert.ErrorIs(t, s.Flush(), executor.ErrClosed)

	s = newStorage(t, root, 4096, 1024)
	defer s.Close()
	got, err := s.ReadEntry(3, 3)
	require.Nil(t, err)
	assert.Equal(t, []byte("kept"), got)
}

func TestLedgerStorage_ConcurrentAddAndFlush(t *testing.T) {
	t.Parallel()

	s := newStorage(t, t.TempDir(), 4096, 1024)
	defer s.Close()

	const (
		writers = 4
		entries = 100
	)
	payload := func(g, m int64) []byte {
		return bytes.Repeat([]byte{byte(g*entries + m)}, 64)
	}

	done := make(chan struct{})
	flushErr := make(chan error, 1)
	go func() {
		defer close(flushErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := s.Flush(); err != nil {
				flushErr <- err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for g := int64(0); g < writers; g++ {
		wg.Add(1)
		go func(g int64) {
			defer wg.Done()
			for m := int64(0); m < entries; m++ {
				assert.Nil(t, s.AddEntry(g, m, payload(g, m)))
			}
		}(g)
	}
	wg.Wait()
	close(done)
	assert.Nil(t, <-flushErr)

	for g := int64(0); g < writers; g++ {
		for m := int64(0); m < entries; m++ {
			got, err := s.ReadEntry(g, m)
			require.Nil(t, err)
			require.Equal(t, payload(g, m), got)
		}
	}
}
