// Package readconcern carries the read concern arguments a command supplied,
// so the transaction subsystem can pin them to the first statement of a
// transaction and restore them when stashed resources are reinstalled.
package readconcern

import (
	"fmt"

	"github.com/sushant-115/gojodb/core/replication/oplog"
)

// Level names a read concern level.
type Level string

const (
	LevelLocal    Level = "local"
	LevelMajority Level = "majority"
	LevelSnapshot Level = "snapshot"
)

// Args are the read concern arguments attached to an operation.
type Args struct {
	Level            Level
	AfterClusterTime oplog.Timestamp
	AtClusterTime    oplog.Timestamp
}

// IsEmpty reports whether no read concern was specified.
func (a Args) IsEmpty() bool {
	return a.Level == "" && a.AfterClusterTime.IsNull() && a.AtClusterTime.IsNull()
}

func (a Args) String() string {
	if a.IsEmpty() {
		return "{}"
	}
	return fmt.Sprintf("{level: %q, afterClusterTime: %d, atClusterTime: %d}",
		string(a.Level), uint64(a.AfterClusterTime), uint64(a.AtClusterTime))
}
