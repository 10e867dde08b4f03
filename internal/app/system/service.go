package system

import (
	core "github.com/R3E-Network/qmk/internal/app/core/service"
)

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
