package accounting

import (
	"fmt"
	"sync/atomic"
)

// idSeq is a process-local monotonic counter used to build transaction and
// ledger entry ids. The teacher generates RPC-scoped ids the same way
// (wagering_grpc.go's nextWagerIDLocked/nextAuditIDLocked, guarded by the
// service's single mutex); this service's engines are keyed-locked rather
// than globally locked, so the counter is a package-level atomic instead of
// a struct field under a shared mutex. Neither the teacher nor the rest of
// the retrieved pack imports a uuid library, so this mirrors the corpus's
// own idiom rather than reaching for google/uuid.
var idSeq atomic.Int64

// nextID builds a monotonic, prefixed identifier.
func nextID(prefix string) string {
	n := idSeq.Add(1)
	return fmt.Sprintf("%s-%d", prefix, n)
}
