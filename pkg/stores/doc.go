// Package stores provides the persistence layer for bubbleform runs.
// The SQLite journal records runs, sampled steps, phase transitions,
// structured events and closure diagnostics, with schema migrations
// embedded in the binary. RedisSink mirrors events onto a capped Redis
// list for live consumers.
package stores
