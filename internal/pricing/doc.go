// Package pricing resolves token identifiers to USD prices.
//
// Symbols are served from a TTL cache, then a batched primary source, then a
// per-leg secondary source; raw addresses go straight to the address-aware
// secondary source with their own shorter cache. Every result carries a
// reliability tier. Upstream failures degrade to the reference table instead
// of failing the caller, and live prices further than the sanity factor from
// the reference are discarded.
package pricing
