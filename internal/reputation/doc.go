// Package reputation keeps a process-lifetime win and safety record per
// solver. Nothing is persisted.
package reputation
