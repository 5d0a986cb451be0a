package libsock

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/libsock/sockapi"
)

// Initializer holds the process-wide network subsystem alive. On Windows
// it wraps the Winsock startup/cleanup pair; elsewhere acquisition and
// release succeed without doing anything.
//
// Acquire one Initializer before creating sockets and release it with
// Close only after the last socket is gone. Acquisition and release must
// not be interleaved across goroutines in a way that double-initializes
// the subsystem or tears it down while sockets remain live; that
// discipline is the caller's.
type Initializer struct {
	mu       sync.Mutex
	api      sockapi.API
	released bool
}

// Startup acquires the process-wide network subsystem and returns the
// scoped handle that releases it.
func Startup() (*Initializer, error) {
	api := sockapi.System()
	if err := api.Startup(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Startup",
			"error":    err,
		}).Error("network subsystem initialization failed")
		return nil, newError(OpCreate, "", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Startup",
	}).Debug("network subsystem initialized")
	return &Initializer{api: api}, nil
}

// Close releases the subsystem. It is idempotent: the first call releases,
// later calls are no-ops. A release failure is reported to the diagnostic
// log and returned, but the Initializer still counts as released.
func (i *Initializer) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return nil
	}
	i.released = true
	if err := i.api.Cleanup(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initializer.Close",
			"error":    err,
		}).Warn("network subsystem cleanup failed")
		return newError(OpClose, "", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Initializer.Close",
	}).Debug("network subsystem released")
	return nil
}
