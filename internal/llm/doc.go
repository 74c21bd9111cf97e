// Package llm abstracts chat-completion providers behind a single Client
// interface. The risk gate is its only consumer; provider adapters live in the
// openai and pythonbridge subpackages.
package llm
