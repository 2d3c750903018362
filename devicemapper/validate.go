package devicemapper

import (
	"fmt"
	"regexp"
)

var deviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("device name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("device name too long: %d characters (max 255)", len(name))
	}
	if !deviceNameRegex.MatchString(name) {
		return fmt.Errorf("device name contains invalid characters: %s", name)
	}
	return nil
}
