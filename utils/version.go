package utils

// Set at build time with
// -ldflags "-X github.com/alpacahq/bookie/utils.Tag=... -X ...GitHash=... -X ...BuildStamp=..."
var (
	Tag        = "dev"
	GitHash    = "unknown"
	BuildStamp = "unknown"
)
