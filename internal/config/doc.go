// Package config loads the IntentArena JSON configuration file, fills in
// defaults, resolves relative paths against the file's directory and
// validates backend choices before any component is constructed. YAML side
// files (solver profiles, token references, chain definitions) are referenced
// by path and parsed by their owning packages.
package config
