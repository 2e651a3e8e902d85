package analytics

// UnknownWallet is the grouping bucket for accounts with no resolvable owner.
// Such accounts stay visible in aggregates instead of being silently dropped.
const UnknownWallet = "unknown"

// ResolveOwner returns the current owner of an account as of the cutoff, or
// false if the log holds no qualifying event. A cutoff <= 0 means "now".
func ResolveOwner(events []OwnershipEvent, accountID int64, asOf int64) (string, bool) {
	owners := latestOwners(events, asOf, func(id int64) bool { return id == accountID })
	wallet, ok := owners[accountID]
	return wallet, ok
}

// LatestOwners reduces the ownership log to the current owner per account in a
// single pass: the maximum-timestamp event wins. Duplicate timestamps are not
// expected; if they occur, the later event in scan order wins.
func LatestOwners(events []OwnershipEvent) map[int64]string {
	return latestOwners(events, 0, nil)
}

// LatestOwnersAsOf is LatestOwners bounded to events at or before the cutoff.
func LatestOwnersAsOf(events []OwnershipEvent, asOf int64) map[int64]string {
	return latestOwners(events, asOf, nil)
}

func latestOwners(events []OwnershipEvent, asOf int64, keep func(int64) bool) map[int64]string {
	owners := make(map[int64]string)
	best := make(map[int64]int64)

	for _, event := range events {
		if keep != nil && !keep(event.AccountID) {
			continue
		}
		if asOf > 0 && event.BlockTimestamp > asOf {
			continue
		}
		if ts, ok := best[event.AccountID]; ok && event.BlockTimestamp < ts {
			continue
		}
		best[event.AccountID] = event.BlockTimestamp
		owners[event.AccountID] = event.NewOwner
	}

	return owners
}

// WalletOrUnknown maps an account to its resolved wallet, falling back to the
// unknown bucket so downstream grouping always has a key.
func WalletOrUnknown(owners map[int64]string, accountID int64) string {
	if wallet, ok := owners[accountID]; ok && wallet != "" {
		return wallet
	}
	return UnknownWallet
}
