//go:build !cgo || !(linux || darwin)

package grasshopper

import "errors"

// OpenLibrary needs cgo and a dynamic loader.
func OpenLibrary(path string) (Library, error) {
	return nil, errors.New("grasshopper: native libraries require cgo on linux or darwin")
}
