package rpc

import (
	"os"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// IDGenerator produces correlation ids. Ids must not repeat while a call
// carrying them is pending.
type IDGenerator func() string

// RandomIDs renders a random 128-bit UUID.
func RandomIDs() string {
	return uuid.NewString()
}

// SequentialIDs returns a generator of "<host>-<pid>-<n>" ids. They are
// cheaper than RandomIDs and unique per process; use them only when every
// caller of a service runs on a distinct host/pid pair.
func SequentialIDs() IDGenerator {
	host, _ := os.Hostname()
	if host == "" {
		host = "h"
	}
	prefix := host + "-" + strconv.Itoa(os.Getpid()) + "-"
	var seq atomic.Uint64
	return func() string {
		return prefix + strconv.FormatUint(seq.Inc(), 36)
	}
}
