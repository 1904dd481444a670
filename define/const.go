package define

// Status is the resolution state of one participant.
type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusPrepared   Status = "prepared"
	StatusCommitting Status = "committing"
	StatusAborting   Status = "aborting"

	// only reported in admin results, never stored
	StatusResolved Status = "resolved"
)

// Decided reports whether the commit/abort outcome is fixed.
func (s Status) Decided() bool {
	return s == StatusCommitting || s == StatusAborting
}

// CanMoveTo reports whether a transition keeps status monotonic.
func (s Status) CanMoveTo(to Status) bool {
	switch s {
	case StatusPreparing:
		return to == StatusPrepared || to == StatusAborting
	case StatusPrepared:
		return to == StatusCommitting || to == StatusAborting
	case StatusCommitting, StatusAborting:
		return to == s
	}
	return false
}

// ResolveMode selects who finishes the second phase after the local commit.
type ResolveMode string

const (
	// the committing session resolves participants itself
	ResolveEager ResolveMode = "eager"
	// participants are handed to the database's resolver, commit returns at once
	ResolveAsync ResolveMode = "async"
	// participants are handed to the resolver and commit waits for it
	ResolveWait ResolveMode = "wait"
)

const (
	StorageDriverPostgres = "postgresql"
	StorageDriverPebble   = "pebble"

	AdminTokenHeader   = "X-Fdwxact-Token"
	AdminTokenMetadata = "fdwxact-token"
)
