//go:build !linux

package logger

// isTerminal always reports false on non-Linux platforms; the tool
// targets Android/Linux hosts, color is a best-effort nicety elsewhere.
func isTerminal(fd uintptr) bool {
	return false
}
