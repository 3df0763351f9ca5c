package di

import (
	"fmt"

	"github.com/oxtoacart/bpool"

	"github.com/alpacahq/bookie/executor"
	"github.com/alpacahq/bookie/executor/writecache"
	"github.com/alpacahq/bookie/utils/log"
)

func (c *Container) GetEntryLog() *executor.EntryLog {
	if c.entryLog != nil {
		return c.entryLog
	}
	el, err := executor.OpenEntryLog(c.GetLedgerDir(), c.bookieConfig.EntryLog)
	if err != nil {
		log.Error("Unable to open entry log. err=" + err.Error())
		panic(fmt.Sprintf("unable to open entry log: %v", err))
	}
	c.entryLog = el
	return c.entryLog
}

// GetWriteCaches returns the active and the flushing write cache. They
// draw their segments from one shared buffer pool.
func (c *Container) GetWriteCaches() (active, flushing *writecache.WriteCache) {
	if c.writeCaches[0] != nil {
		return c.writeCaches[0], c.writeCaches[1]
	}
	cfg := c.bookieConfig.WriteCache
	segmentSize := cfg.MaxSegmentSize
	if segmentSize > cfg.MaxCacheSize {
		segmentSize = cfg.MaxCacheSize
	}
	segmentsPerCache := int((cfg.MaxCacheSize + segmentSize - 1) / segmentSize)
	pool := bpool.NewBytePool(2*segmentsPerCache, int(segmentSize))

	for i := range c.writeCaches {
		wc, err := writecache.New(cfg.MaxCacheSize, cfg.MaxSegmentSize, writecache.WithBufferPool(pool))
		if err != nil {
			log.Error("Unable to create write cache. err=" + err.Error())
			panic(fmt.Sprintf("unable to create write cache: %v", err))
		}
		c.writeCaches[i] = wc
	}
	return c.writeCaches[0], c.writeCaches[1]
}

// GetLedgerStorage returns the storage serving AddEntry and reads.
func (c *Container) GetLedgerStorage() *executor.LedgerStorage {
	if c.storage != nil {
		return c.storage
	}
	active, flushing := c.GetWriteCaches()
	s, err := executor.NewLedgerStorage(c.GetJournal(), c.GetEntryLog(), active, flushing)
	if err != nil {
		log.Error("Unable to create ledger storage. err=" + err.Error())
		panic(fmt.Sprintf("unable to create ledger storage: %v", err))
	}
	c.storage = s
	return c.storage
}
