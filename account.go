package pgbarrier

import "context"

// Balance of a member account.
type Balance int64

// Workload is the account work a member performs once every member has
// started and before it announces it is done.
//
// The barrier does not depend on it: a nil workload is a no-op, and a
// workload must not use the participant's `Transport`, otherwise it would
// steal barrier announcements.
type Workload func(ctx context.Context, self ID, balance Balance) error
