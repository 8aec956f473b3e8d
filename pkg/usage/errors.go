package usage

import "errors"

var (
	ErrLedgerWrite     = errors.New("usage: ledger write failed")
	ErrUnknownKind     = errors.New("usage: unknown resource kind")
	ErrUnknownFileSize = errors.New("usage: original file size not found")
	ErrFileDeleted     = errors.New("usage: file deletion already recorded")

	// Size resolution errors
	ErrObjectNotFound   = errors.New("usage: storage object not found")
	ErrInvalidS3Config  = errors.New("usage: invalid s3 configuration")
	ErrFailedToLoadAWS  = errors.New("usage: failed to load AWS config")
	ErrSizeLookupFailed = errors.New("usage: storage size lookup failed")

	ErrFileIndexFailed  = errors.New("usage: file index operation failed")
	ErrResetJobRunning  = errors.New("usage: reset job already started")
	ErrInvalidResetSpec = errors.New("usage: invalid reset schedule")
)
