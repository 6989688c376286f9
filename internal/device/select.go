package device

import (
	"fmt"
	"strings"
)

// Select picks the adapter to run on.
//
// Only adapters with a graphics-capable queue family are eligible. If
// prefer is non-empty, the first eligible adapter whose name contains it
// (case-insensitive) wins. Otherwise adapters are ranked discrete,
// integrated, virtual, CPU, other; ties keep enumeration order.
func Select(adapters []PhysicalDevice, prefer string) (PhysicalDevice, error) {
	eligible := make([]PhysicalDevice, 0, len(adapters))
	for _, a := range adapters {
		if _, ok := a.GraphicsFamily(); ok {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return PhysicalDevice{}, fmt.Errorf("%w: %d adapters, none with a graphics queue", ErrNoDevice, len(adapters))
	}

	if prefer != "" {
		want := strings.ToLower(prefer)
		for _, a := range eligible {
			if strings.Contains(strings.ToLower(a.Name), want) {
				return a, nil
			}
		}
	}

	best := eligible[0]
	for _, a := range eligible[1:] {
		if a.Class > best.Class {
			best = a
		}
	}
	return best, nil
}
