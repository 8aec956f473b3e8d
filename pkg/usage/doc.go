// Package usage commits resource consumption to the tenant subscription
// record and resets the monthly counters.
//
// Ledger.Apply issues one atomic store increment per call; negative deltas
// record deletions. Storage is tracked in gigabytes: uploads pass a byte count,
// which is converted and recorded in a FileIndex under the file name, and
// deletions pass the file name so the original size can be subtracted. When
// the index has no entry the optional SizeResolver (S3 HeadObject) is asked,
// which only works while the object still exists; when neither knows the size
// the deletion fails with ErrUnknownFileSize and a reconciliation gap is
// logged. Deleted files stay in the index as tombstones, so a repeated or
// concurrent deletion of the same file subtracts its size once.
//
// Callers whose business write already committed use ApplyAfterCommit, which
// logs a ledger failure as degraded tracking instead of returning it.
//
// ResetMonthlyCounters zeroes work orders and SMS for every tenant whose
// period is more than a calendar month old; ResetJob runs it daily on a cron
// schedule.
package usage
