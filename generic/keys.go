package generic

import (
	"fmt"
	"strings"
	"time"
)

// Key prefixes. Keep them short; they show up in every index entry.
const (
	PrefixOperation   = "op/"
	PrefixAccount     = "acct/"
	PrefixTransaction = "txn/"
	PrefixCounter     = "ctr/"
	PrefixShard       = "cs/"
	PrefixRateLimit   = "rl/"
	PrefixUsage       = "usage/"
)

func OperationKey(id string) string { return PrefixOperation + id }

func AccountKey(id string) string { return PrefixAccount + id }

// TransactionKey zero-pads the sequence so lexical order equals append order.
func TransactionKey(accountID string, seq int64) string {
	return fmt.Sprintf("%s%s/%020d", PrefixTransaction, accountID, seq)
}

func TransactionPrefix(accountID string) string {
	return PrefixTransaction + accountID + "/"
}

func CounterKey(id string) string { return PrefixCounter + id }

// ShardKey addresses one shard document of a counter. Shards live outside
// ctr/ so a scan of counters never sees them.
func ShardKey(counterID string, index int) string {
	return fmt.Sprintf("%s%s/%05d", PrefixShard, counterID, index)
}

func ShardPrefix(counterID string) string {
	return PrefixShard + counterID + "/"
}

func BucketKey(callerID, tier string) string {
	return PrefixRateLimit + callerID + "/" + tier
}

func BucketPrefix(callerID string) string {
	return PrefixRateLimit + callerID + "/"
}

// UsageKey orders request logs by time within a caller. The nanosecond
// timestamp is zero-padded; id breaks ties between requests in the same
// nanosecond.
func UsageKey(callerID string, at time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s", UsagePrefix(callerID), at.UnixNano(), id)
}

func UsagePrefix(callerID string) string {
	return PrefixUsage + callerID + "/"
}

// UsageCursor sorts before every usage key of callerID logged at or after at,
// so it can be passed as ListOptions.After.
func UsageCursor(callerID string, at time.Time) string {
	return fmt.Sprintf("%s%020d", UsagePrefix(callerID), at.UnixNano())
}

// ValidID rejects identifiers that would break the key layout.
func ValidID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidRequest)
	}
	if strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("%w: identifier %q contains a reserved character", ErrInvalidRequest, id)
	}
	return nil
}
