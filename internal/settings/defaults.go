package settings

import (
	"fmt"

	"github.com/ManadaHerath/token-placement-server/internal/highlight"
	"github.com/ManadaHerath/token-placement-server/internal/placement"
)

const (
	KeySearchRange     = "placement.searchRange"
	KeyAvoidWalls      = "placement.avoidWalls"
	KeyVisualize       = "placement.visualize"
	KeyCollisionLayers = "placement.collisionLayers"
	KeyRingPalette     = "highlight.palette"
)

// Builtin returns the settings every server registers at startup.
func Builtin() []Setting {
	return []Setting{
		{
			Key:         KeySearchRange,
			Scope:       ScopeWorld,
			Default:     placement.DefaultSearchRange,
			Description: "Rings searched around a requested position before giving up.",
			Validate:    validRange,
		},
		{
			Key:         KeyAvoidWalls,
			Scope:       ScopeWorld,
			Default:     true,
			Description: "Reject free spaces that sit behind a movement-blocking wall.",
		},
		{
			Key:         KeyVisualize,
			Scope:       ScopeClient,
			Default:     false,
			Description: "Draw every tested rectangle on the placement-debug layer.",
		},
		{
			Key:         KeyCollisionLayers,
			Scope:       ScopeWorld,
			Default:     []string{"tokens"},
			Description: "Scene layers that must be empty for a space to count as free.",
		},
		{
			Key:         KeyRingPalette,
			Scope:       ScopeWorld,
			Default:     append([]string(nil), highlight.DefaultPalette...),
			Description: "Colours cycled across highlighted rings.",
		},
	}
}

// RegisterBuiltin registers Builtin, applying overrides from configuration.
func RegisterBuiltin(r *Registry, overrides map[string]any) error {
	for _, s := range Builtin() {
		if v, ok := overrides[s.Key]; ok {
			coerced, err := coerce(s.Default, v)
			if err == nil && s.Validate != nil {
				err = s.Validate(coerced)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", s.Key, err)
			}
			s.Default = coerced
		}
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func validRange(v any) error {
	n, _ := v.(int)
	if n < 0 || n > placement.MaxSearchRange {
		return fmt.Errorf("%w: range %d outside 0..%d", ErrInvalidValue, n, placement.MaxSearchRange)
	}
	return nil
}
