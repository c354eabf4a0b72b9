// Package reliability writes to storage with a fixed-delay retry loop and
// credential refresh.
//
// The behaviour that differs between execution contexts is injected: a
// Classifier decides what a failed attempt means and a Refresher obtains new
// credentials. In the foreground the refresher calls the identity endpoint
// directly (DirectRefresher); in the background it asks the foreground
// through a RefreshCoordinator that keeps at most one request in flight.
package reliability
