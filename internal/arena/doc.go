// Package arena is the service core. It validates intent-bearing requests,
// runs solver competitions through the engine, consults the risk gate,
// applies the selection policy and records reputation and history. The winning
// fingerprint of each competition is remembered for a bounded time so that
// settlement requests can prove they settle the selected proposal. Refused
// runs issue nothing.
package arena
