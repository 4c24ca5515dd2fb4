package core

// State is the classification a scan assigns to a path.
type State string

const (
	StateAdded    State = "ADDED"
	StateUpdated  State = "UPDATED"
	StateMoved    State = "MOVED"
	StateOutdated State = "OUTDATED"
	StateDeleted  State = "DELETED"
	StateKeep     State = "KEEP"

	// StateError1 means more than one active row shares the path.
	StateError1 State = "ERROR1"
	// StateError3 means the mtime matches the active row but the size does not.
	StateError3 State = "ERROR3"
)

// Outcome is the result of transferring or verifying one file.
type Outcome string

const (
	OutcomeMatched     Outcome = "MATCHED"
	OutcomeMismatched  Outcome = "MISMATCHED"
	OutcomeMissingSrc  Outcome = "MISSING_SRC"
	OutcomeMissingDest Outcome = "MISSING_DEST"
)

// Err maps an outcome onto its error kind; nil for MATCHED.
func (o Outcome) Err() error {
	switch o {
	case OutcomeMismatched:
		return ErrSizeHashMismatch
	case OutcomeMissingSrc:
		return ErrMissingSource
	case OutcomeMissingDest:
		return ErrMissingDestination
	}
	return nil
}
