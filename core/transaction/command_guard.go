package transaction

// Command allow-lists for multi-document transactions. Anything absent is
// rejected before it can touch transaction state.
var txnCmdAllowList = map[string]struct{}{
	"abortTransaction":            {},
	"aggregate":                   {},
	"commitTransaction":           {},
	"coordinateCommitTransaction": {},
	"delete":                      {},
	"distinct":                    {},
	"find":                        {},
	"findAndModify":               {},
	"findandmodify":               {},
	"geoSearch":                   {},
	"getMore":                     {},
	"insert":                      {},
	"killCursors":                 {},
	"prepareTransaction":          {},
	"update":                      {},
	"voteAbortTransaction":        {},
	"voteCommitTransaction":       {},
}

// Commands additionally allowed only when test commands are enabled.
var txnCmdTestOnlyAllowList = map[string]struct{}{
	"dbHash": {},
}

// Commands allowed on the admin database inside a transaction.
var txnAdminCommands = map[string]struct{}{
	"abortTransaction":            {},
	"commitTransaction":           {},
	"coordinateCommitTransaction": {},
	"prepareTransaction":          {},
	"voteAbortTransaction":        {},
	"voteCommitTransaction":       {},
}

// Commands allowed while the transaction is prepared.
var preparedTxnCmdAllowList = map[string]struct{}{
	"abortTransaction":   {},
	"commitTransaction":  {},
	"prepareTransaction": {},
}

// checkCommandValid reports whether cmdName may run against dbName inside a
// multi-document transaction.
func checkCommandValid(dbName, cmdName string, testCommandsEnabled bool) error {
	if cmdName == "count" {
		return Errorf(CodeOperationNotSupportedInTransaction,
			"cannot run 'count' in a multi-document transaction; "+
				"run an aggregation with a $count stage instead")
	}

	if _, ok := txnCmdAllowList[cmdName]; !ok {
		if _, testOK := txnCmdTestOnlyAllowList[cmdName]; !testOK || !testCommandsEnabled {
			return Errorf(CodeOperationNotSupportedInTransaction,
				"cannot run '%s' in a multi-document transaction", cmdName)
		}
	}

	if dbName == "config" || dbName == "local" {
		return Errorf(CodeOperationNotSupportedInTransaction,
			"cannot run command against the '%s' database in a transaction", dbName)
	}
	if dbName == "admin" {
		if _, ok := txnAdminCommands[cmdName]; !ok {
			return Errorf(CodeOperationNotSupportedInTransaction,
				"cannot run command against the 'admin' database in a transaction")
		}
	}

	return nil
}
