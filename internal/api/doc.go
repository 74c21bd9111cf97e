// Package api serves the arena over HTTP. Competition routes delegate to the
// arena service, intent routes to the escrow ledger, and settlement routes to
// the asynchronous settlement queue. Callers identify themselves with the
// X-Caller-Address header; when signatures are required the header must be
// accompanied by an EIP-191 signature over the raw request body.
package api
