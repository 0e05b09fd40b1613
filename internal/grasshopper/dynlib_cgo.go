//go:build cgo && (linux || darwin)

package grasshopper

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdbool.h>
#include <stdlib.h>

typedef char *(*is_human_fn)(const char *, unsigned char, bool *);
typedef char *(*verify_challenge_fn)(const char *, bool *);
typedef void (*free_string_fn)(char *);

static char *gh_is_human(void *fn, const char *in, unsigned char mode, bool *ok) {
	return ((is_human_fn)fn)(in, mode, ok);
}

static char *gh_verify_challenge(void *fn, const char *in, bool *ok) {
	return ((verify_challenge_fn)fn)(in, ok);
}

static void gh_free_string(void *fn, char *s) {
	((free_string_fn)fn)(s);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

type dynLibrary struct {
	isHuman         unsafe.Pointer
	verifyChallenge unsafe.Pointer
	freeString      unsafe.Pointer

	// Buffers are opaque handles; the C pointers stay here until Free.
	mu   sync.Mutex
	next Buffer
	live map[Buffer]*C.char
}

// OpenLibrary loads a shared object exporting is_human, verify_challenge
// and free_string.
func OpenLibrary(path string) (Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, C.GoString(C.dlerror()))
	}

	lib := &dynLibrary{live: map[Buffer]*C.char{}}
	for _, sym := range []struct {
		name string
		dst  *unsafe.Pointer
	}{
		{"is_human", &lib.isHuman},
		{"verify_challenge", &lib.verifyChallenge},
		{"free_string", &lib.freeString},
	} {
		cname := C.CString(sym.name)
		p := C.dlsym(handle, cname)
		C.free(unsafe.Pointer(cname))
		if p == nil {
			C.dlclose(handle)
			return nil, fmt.Errorf("dlsym %s: symbol not found", sym.name)
		}
		*sym.dst = p
	}
	return lib, nil
}

func (l *dynLibrary) IsHuman(input []byte, mode Mode) (Buffer, bool) {
	cin := C.CString(string(input))
	defer C.free(unsafe.Pointer(cin))

	var ok C.bool
	r := C.gh_is_human(l.isHuman, cin, C.uchar(mode), &ok)
	return l.track(r), bool(ok)
}

func (l *dynLibrary) VerifyChallenge(input []byte) (Buffer, bool) {
	cin := C.CString(string(input))
	defer C.free(unsafe.Pointer(cin))

	var ok C.bool
	r := C.gh_verify_challenge(l.verifyChallenge, cin, &ok)
	return l.track(r), bool(ok)
}

func (l *dynLibrary) track(p *C.char) Buffer {
	if p == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.live[l.next] = p
	return l.next
}

func (l *dynLibrary) lookup(b Buffer, release bool) *C.char {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.live[b]
	if release {
		delete(l.live, b)
	}
	return p
}

func (l *dynLibrary) Read(b Buffer) []byte {
	p := l.lookup(b, false)
	if p == nil {
		return nil
	}
	return []byte(C.GoString(p))
}

func (l *dynLibrary) Free(b Buffer) {
	p := l.lookup(b, true)
	if p == nil {
		return
	}
	C.gh_free_string(l.freeString, p)
}
