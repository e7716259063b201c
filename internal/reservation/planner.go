// Package reservation implements the two-phase buy-in hold state machine
// from spec §4.4: a pure transition planner plus a driver that binds plans
// to the accounting engine and the store. The planner/driver split mirrors
// no single file in the corpus directly (the teacher has no equivalent
// reservation concept) but follows the corpus's general shape of keeping
// business rules in small pure functions tested in isolation, separate from
// the I/O-bound service methods that apply them (e.g. the teacher's
// ledgerTxTypeToDB/ledgerTxTypeFromDB pure mapping functions kept apart from
// the gRPC handler bodies that call them).
package reservation

import (
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
)

// CommitPlanKind enumerates the possible commit outcomes from the table in
// §4.4.
type CommitPlanKind int

const (
	CommitAlreadyCommitted CommitPlanKind = iota
	CommitReject
	CommitExpireThenReject
	CommitDebitThenCommit
)

// CommitPlan is the decision produced by PlanCommit.
type CommitPlan struct {
	Kind               CommitPlanKind
	Error              domain.Code
	UpdatedReservation domain.Reservation // populated for CommitExpireThenReject
	CommittedAt        time.Time
}

// PlanCommit implements the "Commit" column of §4.4's rule table, given the
// reservation's current state and now.
func PlanCommit(r domain.Reservation, now time.Time) CommitPlan {
	switch r.Status {
	case domain.ReservationHeld:
		if isExpired(r, now) {
			expired := r
			expired.Status = domain.ReservationExpired
			return CommitPlan{Kind: CommitExpireThenReject, Error: domain.CodeReservationExpired, UpdatedReservation: expired}
		}
		return CommitPlan{Kind: CommitDebitThenCommit, CommittedAt: now}
	case domain.ReservationCommitted:
		return CommitPlan{Kind: CommitAlreadyCommitted}
	case domain.ReservationReleased:
		return CommitPlan{Kind: CommitReject, Error: domain.CodeReservationNotHeld}
	case domain.ReservationExpired:
		return CommitPlan{Kind: CommitReject, Error: domain.CodeReservationExpired}
	default:
		return CommitPlan{Kind: CommitReject, Error: domain.CodeReservationNotHeld}
	}
}

// ReleasePlanKind enumerates the possible release outcomes.
type ReleasePlanKind int

const (
	ReleaseAlreadyReleased ReleasePlanKind = iota
	ReleaseReject
	ReleaseNow
)

// ReleasePlan is the decision produced by PlanRelease.
type ReleasePlan struct {
	Kind       ReleasePlanKind
	Error      domain.Code
	ReleasedAt time.Time
}

// PlanRelease implements the "Release" column of §4.4's rule table.
func PlanRelease(r domain.Reservation, now time.Time) ReleasePlan {
	switch r.Status {
	case domain.ReservationHeld:
		return ReleasePlan{Kind: ReleaseNow, ReleasedAt: now}
	case domain.ReservationCommitted:
		return ReleasePlan{Kind: ReleaseReject, Error: domain.CodeAlreadyCommitted}
	case domain.ReservationReleased, domain.ReservationExpired:
		return ReleasePlan{Kind: ReleaseAlreadyReleased}
	default:
		return ReleasePlan{Kind: ReleaseReject, Error: domain.CodeReservationNotHeld}
	}
}

// ExpirePlanKind enumerates the possible expire outcomes.
type ExpirePlanKind int

const (
	ExpireNoop ExpirePlanKind = iota
	ExpireNow
)

// ExpirePlan is the decision produced by PlanExpire.
type ExpirePlan struct {
	Kind               ExpirePlanKind
	UpdatedReservation domain.Reservation
}

// PlanExpire implements the "Expire" column of §4.4's rule table.
func PlanExpire(r domain.Reservation, now time.Time) ExpirePlan {
	if r.Status == domain.ReservationHeld && isExpired(r, now) {
		expired := r
		expired.Status = domain.ReservationExpired
		return ExpirePlan{Kind: ExpireNow, UpdatedReservation: expired}
	}
	return ExpirePlan{Kind: ExpireNoop}
}

func isExpired(r domain.Reservation, now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
