package common

import (
	"context"
	"os"

	"github.com/apex/log"
)

// Component is the base structure for all components
type Component struct {
	// LogTags the Apex logging message metadata tags
	LogTags log.Fields
}

// UpdateLogTags returns a copy of the log tags, extended with the request parameters
// stored in the context (if any)
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for k, v := range original {
		newLogTags[k] = v
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if v, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		v.UpdateLogTags(newLogTags)
	}
	return newLogTags, nil
}

// GetUnitTestNatsURI helper function to get the NATS server URI used during unit testing.
//
// Returns an empty string if no NATS server is provided for testing.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}
