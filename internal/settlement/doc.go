// Package settlement turns a chosen proposal into a ledger fill
// asynchronously. Jobs are persisted in a Store, announced on a Queue
// (memory, Redis list or RabbitMQ) and consumed by a Processor whose
// workers call the ledger, retry retryable failures and raise alerts when a
// job ends in failure. A job that references a competition run must carry a
// fingerprint issued by that run.
package settlement
