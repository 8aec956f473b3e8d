package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Metadata carries optional details of a usage change.
type Metadata struct {
	// Filename identifies a stored file. Storage uploads record it; storage
	// deletions look up its original size.
	Filename string
	// Reserved marks usage already taken by quota.Gate.Authorize. Only the
	// bookkeeping (file index) runs; the counter is not incremented again.
	Reserved bool
}

// Ledger commits usage deltas to the subscription store. Every counter change
// is a single atomic store operation.
type Ledger struct {
	store    subscription.Store
	files    FileIndex
	resolver SizeResolver
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Ledger)

func WithFileIndex(files FileIndex) Option {
	return func(l *Ledger) {
		if files != nil {
			l.files = files
		}
	}
}

// WithSizeResolver sets the fallback used when a deleted file is not in the index.
func WithSizeResolver(r SizeResolver) Option {
	return func(l *Ledger) {
		l.resolver = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// NewLedger panics if store is nil. Without WithFileIndex an in-memory index is used.
func NewLedger(store subscription.Store, opts ...Option) *Ledger {
	if store == nil {
		panic("usage: subscription store is required")
	}
	l := &Ledger{
		store:  store,
		files:  NewMemoryFileIndex(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(logger.Component("usage_ledger"))
	return l
}

// Apply commits delta units of kind for the tenant. Negative deltas record
// deletions. For Storage, delta is in bytes; a deletion that names a file
// (meta.Filename with delta <= 0) subtracts the file's recorded size instead.
// Only the first deletion of a file subtracts anything; repeats return nil.
//
// A file deletion must be applied before the object is removed from storage.
// The SizeResolver fallback reads the live object and cannot size it after.
//
// Failures are returned wrapped in ErrLedgerWrite.
func (l *Ledger) Apply(ctx context.Context, tenantID uuid.UUID, kind Kind, delta int64, meta Metadata) error {
	ctx = logger.WithTenant(ctx, tenantID)
	counter, ok := kind.Counter()
	if !ok {
		return errors.Join(ErrLedgerWrite, ErrUnknownKind)
	}
	if kind == Storage {
		return l.applyStorage(ctx, tenantID, delta, meta)
	}
	if meta.Reserved || delta == 0 {
		return nil
	}
	return l.increment(ctx, tenantID, counter, float64(delta))
}

// ApplyAfterCommit is Apply for callers whose business write has already
// committed. A failure is logged as degraded tracking instead of returned;
// the committed write must not be rolled back over it.
func (l *Ledger) ApplyAfterCommit(ctx context.Context, tenantID uuid.UUID, kind Kind, delta int64, meta Metadata) {
	if err := l.Apply(ctx, tenantID, kind, delta, meta); err != nil {
		l.logger.ErrorContext(ctx, "usage tracking degraded",
			logger.TenantID(tenantID),
			logger.Resource(kind.String()),
			logger.Delta(delta),
			slog.String("filename", meta.Filename),
			logger.Error(err))
	}
}

// ResetMonthlyCounters zeroes the period-bound counters of every tenant whose
// period started more than one calendar month before now. Running it again in
// the same period changes nothing.
func (l *Ledger) ResetMonthlyCounters(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.store.ResetPeriod(ctx, subscription.PeriodCutoff(now), now)
	if err != nil {
		return 0, errors.Join(ErrLedgerWrite, err)
	}
	return n, nil
}

func (l *Ledger) applyStorage(ctx context.Context, tenantID uuid.UUID, delta int64, meta Metadata) error {
	switch {
	case delta > 0:
		if meta.Filename != "" {
			if err := l.files.Record(ctx, tenantID, meta.Filename, delta); err != nil {
				return errors.Join(ErrLedgerWrite, err)
			}
		}
		if meta.Reserved {
			return nil
		}
		return l.increment(ctx, tenantID, subscription.CounterStorage, quota.BytesToGB(delta))

	case meta.Filename != "":
		return l.deleteFile(ctx, tenantID, meta.Filename)

	case delta < 0:
		return l.increment(ctx, tenantID, subscription.CounterStorage, quota.BytesToGB(delta))
	}
	return nil
}

func (l *Ledger) deleteFile(ctx context.Context, tenantID uuid.UUID, filename string) error {
	log := l.logger.With(slog.String("filename", filename))

	size, taken, err := l.files.Take(ctx, tenantID, filename)
	switch {
	case errors.Is(err, ErrFileDeleted):
		log.InfoContext(ctx, "file deletion already recorded")
		return nil
	case err != nil:
		return errors.Join(ErrLedgerWrite, err)
	}

	if !taken {
		size, err = l.resolveSize(ctx, log, tenantID, filename)
		if err != nil {
			return err
		}
		marked, err := l.files.MarkDeleted(ctx, tenantID, filename, size)
		if err != nil {
			return errors.Join(ErrLedgerWrite, err)
		}
		if !marked {
			log.InfoContext(ctx, "file deletion already recorded")
			return nil
		}
	}

	if err := l.increment(ctx, tenantID, subscription.CounterStorage, -quota.BytesToGB(size)); err != nil {
		// Restore the entry so a retry can subtract it.
		if rerr := l.files.Record(ctx, tenantID, filename, size); rerr != nil {
			log.WarnContext(ctx, "file index restore failed", logger.Error(rerr))
		}
		return err
	}
	return nil
}

// resolveSize asks the SizeResolver for a file the index does not know.
func (l *Ledger) resolveSize(ctx context.Context, log *slog.Logger, tenantID uuid.UUID, filename string) (int64, error) {
	if l.resolver != nil {
		size, err := l.resolver.ObjectSize(ctx, tenantID, filename)
		switch {
		case err == nil:
			return size, nil
		case errors.Is(err, ErrObjectNotFound):
		default:
			log.WarnContext(ctx, "storage size lookup failed", logger.Error(err))
		}
	}

	log.ErrorContext(ctx, "storage reconciliation gap: deleted file has no recorded size",
		logger.Resource(Storage.String()))
	return 0, errors.Join(ErrLedgerWrite, ErrUnknownFileSize)
}

func (l *Ledger) increment(ctx context.Context, tenantID uuid.UUID, counter subscription.Counter, delta float64) error {
	if _, err := l.store.Increment(ctx, tenantID, counter, delta); err != nil {
		return errors.Join(ErrLedgerWrite, err)
	}
	return nil
}
