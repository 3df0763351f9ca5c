package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/alpacahq/bookie/executor/wal"
)

const (
	journalUsage     = "journal"
	journalShortDesc = "Prints the records of journal files"
	journalLongDesc  = "This command prints every record of the journal files in a directory, or of a single file, " +
		"and stops at the first torn or corrupted record of each file"
	journalExample = "bookie tool journal --dir data/journal"
	journalDirDesc = "Path to a journal directory"
	fileDesc       = "Path to a single journal file"
	quietDesc      = "Only print the per-file summary"
)

var (
	// Cmd is the journal command.
	Cmd = &cobra.Command{
		Use:     journalUsage,
		Short:   journalShortDesc,
		Long:    journalLongDesc,
		Aliases: []string{"txn"},
		Example: journalExample,
		RunE:    executeJournal,
	}
	journalDir  string
	journalFile string
	quiet       bool
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&journalDir, "dir", "d", "", journalDirDesc)
	Cmd.Flags().StringVarP(&journalFile, "file", "f", "", fileDesc)
	Cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, quietDesc)
}

func executeJournal(cmd *cobra.Command, _ []string) error {
	var paths []string
	switch {
	case journalFile != "":
		paths = []string{filepath.Clean(journalFile)}
	case journalDir != "":
		files, err := wal.NewFinder(os.ReadDir).Find(filepath.Clean(journalDir))
		if err != nil {
			return err
		}
		for _, f := range files {
			paths = append(paths, f.Path)
		}
	default:
		return errors.New("either --dir or --file is required")
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	for _, p := range paths {
		if err := dump(out, p); err != nil {
			return err
		}
	}
	return nil
}

type summary struct {
	records   int
	payload   uint64
	tail      int64
	stoppedBy error
}

func dump(out io.Writer, path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer fp.Close()

	fmt.Fprintf(out, "== %s\n", path)
	s, err := scan(fp, func(off int64, rec wal.Record) {
		if !quiet {
			fmt.Fprintf(out, "%10d  group=%d member=%d size=%s\n",
				off, rec.GroupID, rec.MemberID, bytefmt.ByteSize(uint64(len(rec.Payload))))
		}
	})
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	fmt.Fprintf(out, "%d records, %s of payload, %s of records\n",
		s.records, bytefmt.ByteSize(s.payload), bytefmt.ByteSize(uint64(s.tail)))
	if s.stoppedBy != nil {
		fmt.Fprintf(out, "stopped at offset %d: %v\n", s.tail, s.stoppedBy)
	}
	return nil
}

// scan calls fn for every intact record. A torn or corrupted record ends
// the scan and is reported in the summary, other read errors are returned.
func scan(r io.Reader, fn func(off int64, rec wal.Record)) (summary, error) {
	var s summary
	rd := wal.NewReader(r)
	for {
		rec, off, err := rd.Next()
		if err != nil {
			s.tail = rd.Offset()
			var short wal.ShortReadError
			var sum wal.ChecksumError
			switch {
			case errors.Is(err, io.EOF):
				return s, nil
			case errors.As(err, &short), errors.As(err, &sum):
				s.stoppedBy = err
				return s, nil
			default:
				return s, err
			}
		}
		fn(off, rec)
		s.records++
		s.payload += uint64(len(rec.Payload))
	}
}
