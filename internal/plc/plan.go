package plc

import (
	"sort"

	"github.com/KevinKickass/OpenALDCore/internal/types"
)

// A full parameter sweep must cost a handful of Modbus transactions,
// not one per parameter. Declared addresses are merged into contiguous
// ranges per register table; small gaps are read over and discarded.

const (
	// max registers per read transaction (Modbus allows 125)
	maxRangeLength = 120
	// gaps up to this many registers are bridged within one range
	maxMergeGap = 8
)

type readRange struct {
	kind     types.RegisterKind
	start    uint16
	quantity uint16
	params   []*types.ParameterDefinition
}

// planRanges groups parameters into few bulk read transactions.
func planRanges(defs []*types.ParameterDefinition) []readRange {
	byKind := make(map[types.RegisterKind][]*types.ParameterDefinition)
	for _, def := range defs {
		byKind[def.Kind] = append(byKind[def.Kind], def)
	}

	var ranges []readRange
	for kind, params := range byKind {
		sort.Slice(params, func(i, j int) bool {
			return params[i].Address < params[j].Address
		})

		var current *readRange
		for _, def := range params {
			width := uint16(1)
			if kind == types.RegisterKindHolding || kind == types.RegisterKindInput {
				width = def.DataType.RegisterCount()
			}
			end := def.Address + width

			if current != nil &&
				def.Address >= current.start &&
				int(def.Address)-int(current.start+current.quantity) <= maxMergeGap &&
				int(end)-int(current.start) <= maxRangeLength {
				if end > current.start+current.quantity {
					current.quantity = end - current.start
				}
				current.params = append(current.params, def)
				continue
			}

			ranges = append(ranges, readRange{
				kind:     kind,
				start:    def.Address,
				quantity: width,
				params:   []*types.ParameterDefinition{def},
			})
			current = &ranges[len(ranges)-1]
		}
	}

	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].kind != ranges[j].kind {
			return ranges[i].kind < ranges[j].kind
		}
		return ranges[i].start < ranges[j].start
	})

	return ranges
}
