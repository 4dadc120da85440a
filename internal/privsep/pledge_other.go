//go:build !openbsd

package privsep

// Pledge is a no-op on platforms without pledge(2).
func Pledge(promises string) error {
	return nil
}
