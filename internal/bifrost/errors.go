package bifrost

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/runefall/bifrost/internal/metadata"
	"github.com/runefall/bifrost/internal/types"
)

// ErrShutdown is returned by every entry point once the subsystem started
// draining. The condition is sticky and terminal for the process.
var ErrShutdown = errors.New("bifrost is shutting down")

// UnknownLogIDError means the log has no chain in the current metadata
// snapshot. Callers may sync metadata and retry.
type UnknownLogIDError struct {
	LogID types.LogID
}

func (e *UnknownLogIDError) Error() string {
	return fmt.Sprintf("unknown log id %s", e.LogID)
}

// DisabledProviderError means a segment references a provider kind that
// was not started. This is a configuration error.
type DisabledProviderError struct {
	Kind metadata.ProviderKind
}

func (e *DisabledProviderError) Error() string {
	return fmt.Sprintf("loglet provider %q is disabled", e.Kind)
}
