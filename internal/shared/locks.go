package shared

import (
	"fmt"
	"hash/fnv"
)

// AssignmentLockKey derives the advisory lock key guarding grants for one user/role pair.
func AssignmentLockKey(userID, roleID int64) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "ledger:assignment:%d:%d", userID, roleID)
	return int64(h.Sum64())
}
