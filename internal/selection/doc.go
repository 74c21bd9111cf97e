// Package selection picks a winning proposal: constraint filter, then risk
// filter, then highest rank score with first-seen tie breaking. When no safe
// winner exists it returns a structured refusal instead of an error.
package selection
