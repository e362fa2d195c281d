package shardb

// LockMode is the schema lock a Request needs held for its duration.
type LockMode int

const (
	// LockNone is used by operations that don't touch kind/index shape.
	LockNone LockMode = iota
	// LockRead is held by ordinary read/write paths (put, get, del, find).
	LockRead
	// LockWrite is held by putKind, delKind, and updateLocale.
	LockWrite
)

// Request carries the caller-identity and batching state every facade
// operation threads through: who's calling (for admin escalation), which
// schema lock mode the operation needs, whether a fix-mode delete should
// proceed past an index mismatch, and how many rows of the current batch
// have been committed so far.
type Request struct {
	// Caller identifies the domain issuing the request. "admin" bypasses
	// Permission:1 policy checks.
	Caller string
	// SchemaLock is the lock mode this operation acquires around the kind
	// engine for its duration.
	SchemaLock LockMode
	// FixMode forces a delete to proceed even when its index entries don't
	// match what's recorded, instead of failing with InternalIndexOnDel.
	FixMode bool

	batchCount int
}

// IsAdmin reports whether this request's caller may bypass Permission:1
// policy checks.
func (r *Request) IsAdmin() bool {
	return r != nil && r.Caller == "admin"
}

func requestOrDefault(r *Request) *Request {
	if r == nil {
		return &Request{}
	}
	return r
}
