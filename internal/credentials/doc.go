// Package credentials holds the time-limited storage write credentials of an
// execution context and fetches fresh ones from the identity endpoint.
package credentials
