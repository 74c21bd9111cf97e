// Package admission enforces a per-identity request budget over a fixed
// window in front of the expensive operations. The in-memory limiter sweeps
// expired buckets once the table grows past its bound; the Redis limiter
// shares windows across instances through a Lua script.
package admission
