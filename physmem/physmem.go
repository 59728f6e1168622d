// Package physmem determines the amount of physical memory.
package physmem

// Total returns the amount of memory on the local machine in bytes.
func Total() (int64, error) {
	return total()
}

// Budget returns the given fraction of physical memory, or fallback if
// it cannot be determined.
func Budget(fraction float64, fallback int64) int64 {
	t, err := total()
	if err != nil || t <= 0 {
		return fallback
	}
	return int64(float64(t) * fraction)
}
