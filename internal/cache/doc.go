// Package cache is the client-side store of query results.
//
// A query result is projected from positional rows into keyed Records (see
// Project). Records live in an Entry keyed by the query's xpath expression.
// Entries are reference counted: Acquire adds a consumer, Release removes
// one, and an entry with no consumers is evicted after the configured
// keep-unused delay. Eviction closes the entry's Removed channel and runs the
// eviction hooks; the subscription registry watches both.
//
// Mutations patch records in place (SetValue, Create, DeletePath) so that
// reads stay consistent with writes without a refetch. The cache is only
// ever changed through Store and these patches.
package cache
