// Package source defines where documents are read from.
//
// Each variant lives in its own subpackage and verifies connectivity when it
// is constructed, so a misconfigured source fails before any file is touched.
package source

import "context"

// Source enumerates and reads document items.
//
// Read failures wrap core.ErrNotFound when the item is missing and
// core.ErrTransport for any other I/O problem.
type Source interface {
	// List returns every item key in enumeration order.
	List(ctx context.Context) ([]string, error)

	// Read returns the full content of one item.
	Read(ctx context.Context, key string) ([]byte, error)

	// Close releases the underlying connection.
	Close() error
}
