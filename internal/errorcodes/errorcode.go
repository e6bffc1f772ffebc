// Package errorcodes defines the wire status codes of the pool protocol.
// PoolError holds the two-character code and human-readable description.
package errorcodes

// Predefined status instances.
var (
	Err00 = PoolError{"00", "No error"}
	Err10 = PoolError{"10", "Malformed request"}
	Err20 = PoolError{"20", "Unknown command"}
	Err30 = PoolError{"30", "Instance spawn failed"}
	Err31 = PoolError{"31", "Instance connect failed after retries"}
	Err32 = PoolError{"32", "Session write failed"}
	Err33 = PoolError{"33", "Session read failed"}
	Err40 = PoolError{"40", "Invalid configuration value"}
	Err50 = PoolError{"50", "Pool is shutting down"}
	Err99 = PoolError{"99", "Internal error"}
)

// PoolError represents a protocol status with its code and description.
type PoolError struct {
	Code        string // two-character status code
	Description string // human-readable description
}

// Error implements the Go error interface: "<Code>: <Description>".
func (e PoolError) Error() string {
	return e.Code + ": " + e.Description
}

// CodeOnly returns only the status code (e.g., "30"), for embedding in responses.
func (e PoolError) CodeOnly() string {
	return e.Code
}
