// Package pgbarrier synchronises a group of participants through a
// two-phase barrier: nobody starts its work before every member
// announced it STARTED, and nobody leaves before every member announced
// it is DONE.
//
// A group is made of a *root* (id 0) and at least one *member* (ids
// 1..N). Every ordered pair of participants owns its own channel, the
// whole topology being established before anyone starts.
//
// ## How it works
//
// A member multicasts `Started` to every other participant, waits until
// every other member did the same, runs its `Workload`, multicasts
// `Done` and waits until every other member is done too.
//
// The root never announces anything: it observes both phases and waits
// for every member.
//
// Announcements are counted once per sender. A `Done` received while we
// still wait for `Started` announcements is kept for the second phase,
// since channels are only ordered pairwise.
//
// ## Failures
//
// There is no recovery: the first error (a broken channel, a message
// which does not carry our `Magic`, an event log which cannot be
// written) aborts the participant with a `*ParticipantError`. Peers of
// a failed participant are NOT notified and may wait forever, the only
// deadline being the one carried by the `context.Context` you give to
// `Barrier.Run`.
//
// ## Transports
//
// The barrier only needs a `Transport`:
//
// * `mesh.Local` connects goroutines of a single process, see
// `group.New` to run a whole group at once.
// * `mesh.QUICNode` connects participants living on different hosts,
// with one QUIC unidirectional stream per channel and mTLS to bind ids
// to hosts. `discovery.Directory` lets them find each other.
//
// ## Observability
//
// Every phase transition is written to an append-only event log and
// mirrored to the `Console`. Structured logs go through [`log/slog`][slog]
// and metrics through [`hashicorp/go-metrics`][dep-gom].
//
// [slog]: https://pkg.go.dev/log/slog
// [dep-gom]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package pgbarrier
