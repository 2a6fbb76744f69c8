// Package mainboilerplate contains shared boilerplate of this project's
// programs: configuration parsing, logging, diagnostics, and the dialing of
// backing stores. It provides narrowly scoped functions, so that callers
// needn't buy in to an all-or-nothing approach.
package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

var (
	// Version of the program, set at build time.
	Version = "development"
	// BuildDate of the program, set at build time.
	BuildDate = "unknown"
)

// Must logs |msg| and exits if |err| is non-nil. |extra| are pairs of
// additional log field names and values.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}
