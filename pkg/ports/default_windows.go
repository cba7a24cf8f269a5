//go:build windows

package ports

// Default lists the registered COM ports.
func Default() Enumerator {
	return RegistryEnumerator{}
}
