// Package create - because packages cannot be named 'init' in go.
package create

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/alpacahq/bookie/utils"
	"github.com/alpacahq/bookie/utils/log"
)

const (
	usage                 = "create"
	short                 = "Creates a new bookie.yml file"
	long                  = "This command creates a new bookie.yml file and a data directory in the current directory"
	example               = "bookie create"
	defaultConfigFilePath = "bookie.yml"
	defaultDataDir        = "data"
)

var (
	// Cmd is the create command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"init"},
		SuggestFor: []string{"new"},
		Example:    example,
		RunE:       executeInit,
	}
	// force overwrites an existing config file.
	force bool
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing bookie.yml")
}

// executeInit implements the create command.
func executeInit(*cobra.Command, []string) error {
	if _, err := os.Stat(defaultConfigFilePath); err == nil && !force {
		return errors.Errorf("%s already exists, use --force to overwrite it", defaultConfigFilePath)
	}
	// write to current directory.
	if err := os.WriteFile(defaultConfigFilePath, []byte(utils.DefaultConfigYAML), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", defaultConfigFilePath)
	}
	// create a new directory to store data.
	if err := os.Mkdir(defaultDataDir, 0o700); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "create %s", defaultDataDir)
	}
	log.Info("created %s and %s/", defaultConfigFilePath, defaultDataDir)
	return nil
}
