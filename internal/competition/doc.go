// Package competition turns an intent and a list of solver names into scored
// proposals.
//
// Every proposal is computed independently from the solver's profile and the
// resolved pair prices. Solver variance comes from a seeded deterministic
// stream keyed by solver, pair, amount and time bucket, so repeated requests
// inside one bucket return identical proposals and fingerprints.
package competition
