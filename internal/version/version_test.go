// ABOUTME: Tests for version constants
// ABOUTME: Ensures build identity strings are properly defined
package version

import (
	"testing"
)

func TestVersionDefined(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if len(Version) > 100 {
		t.Error("Version string is unreasonably long")
	}
}

func TestProductDefined(t *testing.T) {
	if Product == "" {
		t.Error("Product should not be empty")
	}
}

func TestManufacturerDefined(t *testing.T) {
	if Manufacturer == "" {
		t.Error("Manufacturer should not be empty")
	}
}

func TestProtocolVersionPositive(t *testing.T) {
	if Protocol < 1 {
		t.Errorf("Protocol version must be at least 1, got %d", Protocol)
	}
}
