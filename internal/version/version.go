// ABOUTME: Build identity constants for the chronosync engine and agent
// ABOUTME: Reported in device hellos and logged at startup
package version

const (
	// Version is the software version string
	Version = "0.3.0"

	// Product is the product name reported in device info
	Product = "Chronosync Engine"

	// Manufacturer identifies the project
	Manufacturer = "Chronosync Project"

	// Protocol is the control-plane protocol version
	Protocol = 1
)
