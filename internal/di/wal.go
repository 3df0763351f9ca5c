package di

import (
	"fmt"

	"github.com/alpacahq/bookie/executor"
	"github.com/alpacahq/bookie/utils/log"
)

// GetJournal returns the journal entries are appended to. Journals left
// by a previous run are replayed into the entry log first.
func (c *Container) GetJournal() *executor.Journal {
	if c.journal != nil {
		return c.journal
	}

	n, err := executor.RecoverJournals(c.GetJournalDir(), c.GetEntryLog())
	if err != nil {
		log.Error("Unable to replay journals. err=" + err.Error())
		panic(fmt.Sprintf("unable to replay journals: %v", err))
	}
	if n > 0 {
		log.Info("replayed %d journal files", n)
	}

	journal, err := executor.OpenJournal(c.GetJournalDir(), c.bookieConfig.Journal)
	if err != nil {
		log.Error("Unable to create journal. err=" + err.Error())
		panic(fmt.Sprintf("unable to create journal: %v", err))
	}
	c.journal = journal
	return c.journal
}

// GetSyncer returns the background journal syncer and cache flusher. The
// caller runs it.
func (c *Container) GetSyncer() *executor.Syncer {
	if c.syncer != nil {
		return c.syncer
	}
	c.syncer = executor.NewSyncer(c.GetLedgerStorage(), c.bookieConfig.Journal.SyncInterval, c.bookieConfig.Flush)
	return c.syncer
}
