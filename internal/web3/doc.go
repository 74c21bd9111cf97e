// Package web3 holds the read-only chain access used to fill in token
// metadata that market sources omit. Chains are described in a YAML file and
// served by EVM clients from the ethereum subpackage.
package web3
