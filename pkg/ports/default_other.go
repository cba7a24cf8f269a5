//go:build !windows

package ports

// Default matches the usual USB serial adapter device files.
func Default() Enumerator {
	return GlobEnumerator{Patterns: DefaultGlobPatterns}
}
