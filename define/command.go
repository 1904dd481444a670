package define

import (
	"fmt"
	"strings"
)

// MaxPrepareIdLen keeps prepared ids under the remote identifier limit.
const MaxPrepareIdLen = 200

// SessionSetupCommands pin the remote session settings that affect value parsing.
var SessionSetupCommands = []string{
	"SET search_path = pg_catalog",
	"SET timezone = 'UTC'",
	"SET datestyle = ISO",
	"SET intervalstyle = postgres",
	"SET extra_float_digits = 3",
}

const (
	CommitCommand        = "COMMIT TRANSACTION"
	AbortCommand         = "ABORT TRANSACTION"
	DeallocateAllCommand = "DEALLOCATE ALL"
)

func StartTxnCommand(serializable bool) string {
	if serializable {
		return "START TRANSACTION ISOLATION LEVEL SERIALIZABLE"
	}
	return "START TRANSACTION ISOLATION LEVEL REPEATABLE READ"
}

func SavepointCommand(level int) string {
	return fmt.Sprintf("SAVEPOINT s%d", level)
}

func ReleaseSavepointCommand(level int) string {
	return fmt.Sprintf("RELEASE SAVEPOINT s%d", level)
}

func RollbackToSavepointCommand(level int) string {
	return fmt.Sprintf("ROLLBACK TO SAVEPOINT s%d; RELEASE SAVEPOINT s%d", level, level)
}

func PrepareCommand(id string) string {
	return "PREPARE TRANSACTION " + QuoteLiteral(id)
}

func CommitPreparedCommand(id string) string {
	return "COMMIT PREPARED " + QuoteLiteral(id)
}

func RollbackPreparedCommand(id string) string {
	return "ROLLBACK PREPARED " + QuoteLiteral(id)
}

func ResolvePreparedCommand(id string, commit bool) string {
	if commit {
		return CommitPreparedCommand(id)
	}
	return RollbackPreparedCommand(id)
}

// QuoteLiteral renders s as a single-quoted SQL literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
