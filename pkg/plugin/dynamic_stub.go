//go:build !plugindyn || !linux

package plugin

import "errors"

// LoadDynamicPlugins is unavailable without the plugindyn build tag on
// Linux. Compiled-in providers register through package imports instead.
func LoadDynamicPlugins(dir string) error {
	return errors.New("dynamic plugin loading requires -tags=plugindyn on linux")
}
