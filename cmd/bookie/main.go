package main

import (
	"os"

	"github.com/alpacahq/bookie/cmd"
	"github.com/alpacahq/bookie/utils/log"
)

func main() {
	defer log.Sync()
	if err := cmd.Execute(); err != nil {
		log.Error("%v", err)
		log.Sync()
		os.Exit(1)
	}
}
