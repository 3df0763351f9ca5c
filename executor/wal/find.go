package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/utils/log"
)

// Ext is the extension of journal files. A journal file is named after
// its id in hex, e.g. "1a.txn".
const Ext = ".txn"

// FileName returns the base name of the journal file with the given id.
func FileName(id int64) string {
	return strconv.FormatInt(id, 16) + Ext
}

// ParseFileID returns the id encoded in a journal file name.
func ParseFileID(name string) (int64, error) {
	base := filepath.Base(name)
	if filepath.Ext(base) != Ext {
		return 0, errors.Errorf("%s is not a journal file", name)
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(base, Ext), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse journal id of %s", name)
	}
	return id, nil
}

// File is a journal file found on disk.
type File struct {
	ID   int64
	Path string
}

type Finder struct {
	dirRead func(name string) ([]os.DirEntry, error)
}

func NewFinder(dirRead func(name string) ([]os.DirEntry, error)) *Finder {
	return &Finder{dirRead: dirRead}
}

// Find returns the journal files directly under the directory in ascending id order.
func (f *Finder) Find(dir string) ([]File, error) {
	var ret []File
	files, err := f.dirRead(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to read the directory %s: %w", dir, err)
	}
	for _, file := range files {
		// ignore directories
		if file.IsDir() {
			continue
		}

		// ignore files except journals
		filename := file.Name()
		if filepath.Ext(filename) != Ext {
			continue
		}
		id, err := ParseFileID(filename)
		if err != nil {
			log.Warn("ignoring %s: %v", filename, err)
			continue
		}

		log.Debug("found a journal: %s", filename)
		ret = append(ret, File{ID: id, Path: filepath.Join(dir, filename)})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}
