// Package policy holds the configuration carried by a policy and the diff
// used to decide whether a policy has changes that still need deploying.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Platform identifies the operating system a configuration targets.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformAndroid Platform = "android"
)

// Platforms lists every platform in the order diffs are reported.
var Platforms = []Platform{PlatformWindows, PlatformMacOS, PlatformAndroid}

// Config is a single named configuration item. Its shape depends on the
// platform and the item, so it is kept as decoded JSON.
type Config map[string]any

// Data is the full configuration of a policy, keyed per platform by item name.
type Data struct {
	Windows map[string]Config `json:"windows,omitempty" yaml:"windows,omitempty"`
	MacOS   map[string]Config `json:"macos,omitempty" yaml:"macos,omitempty"`
	Android map[string]Config `json:"android,omitempty" yaml:"android,omitempty"`
}

// ErrUnknownPlatform is returned when a platform name is not recognised.
var ErrUnknownPlatform = errors.New("unknown platform")

// ParsePlatform normalises a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformWindows, PlatformMacOS, PlatformAndroid:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
}

// For returns the configuration items for a platform.
func (d Data) For(p Platform) map[string]Config {
	switch p {
	case PlatformWindows:
		return d.Windows
	case PlatformMacOS:
		return d.MacOS
	case PlatformAndroid:
		return d.Android
	}
	return nil
}

// Set stores a configuration item, allocating the platform map if needed.
func (d *Data) Set(p Platform, key string, c Config) {
	target := d.slot(p)
	if target == nil {
		return
	}
	if *target == nil {
		*target = make(map[string]Config)
	}
	(*target)[key] = c
}

func (d *Data) slot(p Platform) *map[string]Config {
	switch p {
	case PlatformWindows:
		return &d.Windows
	case PlatformMacOS:
		return &d.MacOS
	case PlatformAndroid:
		return &d.Android
	}
	return nil
}

// Len returns the number of configuration items across all platforms.
func (d Data) Len() int {
	return len(d.Windows) + len(d.MacOS) + len(d.Android)
}

// Validate checks that every item has a name and a body.
func (d Data) Validate() error {
	for _, p := range Platforms {
		for key, c := range d.For(p) {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("%s: configuration item with empty name", p)
			}
			if c == nil {
				return fmt.Errorf("%s: configuration item %q has no body", p, key)
			}
		}
	}
	return nil
}
