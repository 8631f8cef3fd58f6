package memory

import "context"

// RemoteSync augments local memory with a remote store. The destination
// is a collaborator; the core only requires push semantics with an
// opaque commit reference. Failures flip the owning manager into
// local-fallback mode and are never fatal.
type RemoteSync interface {
	// Push mirrors a record remotely and returns a commit reference.
	Push(ctx context.Context, user string, rec Record) (string, error)
}

// RemoteSyncFunc adapts a function to RemoteSync.
type RemoteSyncFunc func(ctx context.Context, user string, rec Record) (string, error)

func (f RemoteSyncFunc) Push(ctx context.Context, user string, rec Record) (string, error) {
	return f(ctx, user, rec)
}
