package system

import (
	"net/http"
	"sort"

	"github.com/R3E-Network/qmk/infrastructure/httputil"
	core "github.com/R3E-Network/qmk/internal/app/core/service"
)

// CollectDescriptors extracts service descriptors, skipping nil entries, and
// sorts them for deterministic presentation (layer + name).
func CollectDescriptors(providers []DescriptorProvider) []core.Descriptor {
	var out []core.Descriptor
	for _, p := range providers {
		if p == nil {
			continue
		}
		out = append(out, p.Descriptor())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer == out[j].Layer {
			return out[i].Name < out[j].Name
		}
		return out[i].Layer < out[j].Layer
	})
	return out
}

// DescriptorsHandler returns an http.HandlerFunc serving the kernel's service
// catalog — every wired component's Descriptor(), sorted by layer then name —
// for mounting on the admin router alongside the other admin endpoints.
func DescriptorsHandler(providers []DescriptorProvider) http.HandlerFunc {
	descriptors := CollectDescriptors(providers)
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"components": descriptors})
	}
}
