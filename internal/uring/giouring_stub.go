//go:build !giouring

package uring

import "fmt"

// NewGiouring is only available when built with -tags giouring.
func NewGiouring(entries uint32) error {
	return fmt.Errorf("giouring backend not enabled; build with -tags giouring")
}
