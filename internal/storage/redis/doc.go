// Package redis holds the shared Redis plumbing: client construction, a
// namespaced key builder and the price cache mirror that lets several
// daemon instances reuse each other's market data lookups.
package redis
