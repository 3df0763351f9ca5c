package wal

import (
	"os"

	"github.com/pkg/errors"

	"github.com/alpacahq/bookie/utils/log"
)

// CorruptExt is appended to journals that could not be replayed.
const CorruptExt = ".corrupt"

// Move renames oldFP to newFP.
func Move(oldFP, newFP string) error {
	if err := os.Rename(oldFP, newFP); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", oldFP, newFP)
	}
	log.Info("moved %s to %s", oldFP, newFP)
	return nil
}

// Quarantine moves a journal out of the way of future replays.
func Quarantine(fp string) (string, error) {
	dst := fp + CorruptExt
	return dst, Move(fp, dst)
}
