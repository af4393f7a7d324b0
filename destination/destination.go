// Package destination defines where processed elements are persisted.
//
// Each variant lives in its own subpackage and connects when it is
// constructed. Write reports ordinary persistence failures as false with a
// logged reason; only transport or authentication problems surface as errors
// wrapping core.ErrTransport.
package destination

import (
	"context"

	"github.com/poiesic/docflow/core"
)

// Destination persists the elements produced for one file.
type Destination interface {
	Write(ctx context.Context, elements []core.Element, meta core.WriteMetadata) (bool, error)
	Close() error
}
