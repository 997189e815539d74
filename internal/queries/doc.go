// Package queries coordinates several independent GraphQL queries issued
// together and folds their states into aggregate views.
//
// # Overview
//
// A caller describes its queries as an ordered list of Config values and hands
// the list to a coordinator on every render pass. Each list index owns exactly
// one watched query (a *client.ObservableQuery) for the coordinator's
// lifetime; identity is positional, never by value. The coordinator
//   - dispatches every slot without waiting for the others, so network
//     requests overlap while registration stays sequential;
//   - returns one handle per config, in config order, whatever order the
//     responses arrive in;
//   - isolates failures: one slot's error never cancels or blocks a sibling.
//
// # Coordinators
//
// Coordinator is the non-suspending variant. Run returns immediately with the
// current state of every slot and Updates signals when a re-run would observe
// something new.
//
// SuspenseCoordinator is the suspending variant, modeled as an explicit join:
// Run dispatches all unresolved slots and blocks until every slot has data, or
// returns the first failure as soon as it arrives. Callers never observe a
// partially resolved list.
//
// # Ordering constraint
//
// The number and order of configs must not change between runs of the same
// coordinator. Violating this is a caller error; it is documented here and not
// detected.
//
// # Aggregates
//
// AreLoading, HasErrors, Errors, AreComplete, AllData and RefetchAll fold a
// handle list. They are pure reads of their input apart from RefetchAll, which
// delegates to each handle's Refetch.
package queries
