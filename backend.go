package offline

import "context"

// Op is a kind of mutation.
type Op string

// Mutation kinds.
const (
	OpCreate = Op("create")
	OpUpdate = Op("update")
	OpDelete = Op("delete")
)

// Mutation is a write call to backend.
type Mutation struct {
	Resource string
	Op       Op

	// ID is a server id of updated or deleted record, empty for create.
	ID string

	// Payload is a created record or an update patch, nil for delete.
	Payload Record
}

// Backend performs mutations against the server.
//
// Returned record is the authoritative server state, it may be nil for delete.
// Errors are considered transient unless marked with Permanent.
type Backend interface {
	Mutate(ctx context.Context, m Mutation) (Record, error)
}

// BackendFunc implements Backend with a function.
type BackendFunc func(ctx context.Context, m Mutation) (Record, error)

// Mutate calls function.
func (f BackendFunc) Mutate(ctx context.Context, m Mutation) (Record, error) {
	return f(ctx, m)
}
