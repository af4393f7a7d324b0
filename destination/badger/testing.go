package badger

// NewMemoryDestination creates an in-memory destination for testing.
// Caller must close it when done.
func NewMemoryDestination(opts ...Option) (*Destination, error) {
	return New("", append([]Option{WithInMemory()}, opts...)...)
}
