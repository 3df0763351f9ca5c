package di

import (
	"os"
	"path/filepath"

	"github.com/alpacahq/bookie/executor"
	"github.com/alpacahq/bookie/executor/writecache"
	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
)

type Container struct {
	bookieConfig *utils.BookieConfig
	absRootDir   string
	entryLog     *executor.EntryLog
	journal      *executor.Journal
	writeCaches  [2]*writecache.WriteCache
	storage      *executor.LedgerStorage
	syncer       *executor.Syncer
}

func NewContainer(cfg *utils.BookieConfig) *Container {
	return &Container{bookieConfig: cfg}
}

func (c *Container) GetConfig() *utils.BookieConfig {
	return c.bookieConfig
}

func (c *Container) GetAbsRootDir() string {
	if c.absRootDir != "" {
		return c.absRootDir
	}
	relRootDir := c.bookieConfig.RootDirectory

	// rootDir is the absolute path to the data directory.
	// e.g. rootDir = "/project/bookie/data"
	rootDir, err := filepath.Abs(filepath.Clean(relRootDir))
	if err != nil {
		log.Error("Cannot take absolute path of root directory %s", err.Error())
	} else {
		log.Info("Root Directory: %s", rootDir)
		const ownerGroupAll = 0o770
		err = os.Mkdir(rootDir, ownerGroupAll)
		if err != nil && !os.IsExist(err) {
			log.Error("Could not create root directory: %s", err.Error())
			panic(err)
		}
	}
	c.absRootDir = rootDir
	return c.absRootDir
}

func (c *Container) GetJournalDir() string {
	return filepath.Join(c.GetAbsRootDir(), executor.JournalDirName)
}

func (c *Container) GetLedgerDir() string {
	return filepath.Join(c.GetAbsRootDir(), executor.LedgerDirName)
}
