package twophase

import "strings"

func quote(xid string) string {
	return "'" + strings.ReplaceAll(xid, "'", "''") + "'"
}

// PrepareStatement returns `PREPARE TRANSACTION '<xid>'`.
func PrepareStatement(xid string) string {
	return "PREPARE TRANSACTION " + quote(xid)
}

// CommitPreparedStatement returns `COMMIT PREPARED '<xid>'`.
func CommitPreparedStatement(xid string) string {
	return "COMMIT PREPARED " + quote(xid)
}

// RollbackPreparedStatement returns `ROLLBACK PREPARED '<xid>'`.
func RollbackPreparedStatement(xid string) string {
	return "ROLLBACK PREPARED " + quote(xid)
}

// RollbackStatement returns `ROLLBACK`.
func RollbackStatement() string {
	return "ROLLBACK"
}

func directive(alias, statement string) string {
	return alias + ": " + statement
}
