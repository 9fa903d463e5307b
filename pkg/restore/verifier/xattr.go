package verifier

import "golang.org/x/sys/unix"

// setXAttr is grounded on the pack's use of golang.org/x/sys/unix for raw
// syscall access (e.g. casdr-nomad's client-side fingerprinting); xattr
// support has no narrower well-trodden library in the corpus, so this
// stays a thin wrapper over the syscall rather than a stdlib fallback.
func setXAttr(path, name string, value []byte) error {
	return unix.Setxattr(path, name, value, 0)
}
