package core

import "errors"

// Error kinds shared by every component. Match them with errors.Is.
var (
	// ErrConfig marks a missing or invalid configuration value.
	ErrConfig = errors.New("configuration error")

	// ErrLockHeld is returned by checkout when <journal>.locked already exists.
	ErrLockHeld = errors.New("journal is locked")

	// ErrJournalMissing is returned when a read-only command finds no journal.
	ErrJournalMissing = errors.New("journal does not exist")

	// ErrSchemaUnknown is returned when the journal tables match neither schema
	// or golang-migrate reports a dirty or newer schema.
	ErrSchemaUnknown = errors.New("unknown journal schema")

	ErrNotFoundInJournal   = errors.New("path not found in journal")
	ErrMissingSource       = errors.New("source file missing")
	ErrMissingDestination  = errors.New("destination file missing")
	ErrSizeHashMismatch    = errors.New("size or hash mismatch")
	ErrInconsistentJournal = errors.New("inconsistent journal entry")

	// ErrTransientTransport marks network failures that are worth one retry.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrAuth marks rejected credentials. Always fatal.
	ErrAuth = errors.New("authentication failed")
)
