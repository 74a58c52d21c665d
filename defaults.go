package nutcache

// DefaultOptions returns the recommended set of options for production use:
// panic recovery, request IDs and access logging on the admin API.
func DefaultOptions() []Option {
	return []Option{
		WithRecovery(),
		WithRequestID(),
		WithAccessLog(),
	}
}
