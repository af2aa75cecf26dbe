package worker

import (
	"log"
	"os"
	"strconv"
)

// LABCOPILOT_WORKER_DEBUG accepts anything strconv.ParseBool does
// ("1", "true", "TRUE", ...).
var workerDebugEnabled = func() bool {
	on, err := strconv.ParseBool(os.Getenv("LABCOPILOT_WORKER_DEBUG"))
	return err == nil && on
}()

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		log.Printf(format, args...)
	}
}
