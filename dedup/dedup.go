// Package dedup makes descriptor lists safe to key by display name and
// optionally collapses entries that point at the same endpoint.
package dedup

import (
	"fmt"

	"subsync/descriptor"
	"subsync/util"
)

// ResolveNames renames colliding descriptors to "name (1)", "name (2)"
// and so on, in input order. Names are rewritten on the descriptors.
func ResolveNames(list []*descriptor.Descriptor) []*descriptor.Descriptor {
	byName := util.NewOrderedMap[string, *descriptor.Descriptor]()
	for _, d := range list {
		base := d.DisplayName()
		name := base
		for i := 1; byName.Has(name); i++ {
			name = fmt.Sprintf("%s (%d)", base, i)
		}
		if name != base {
			d.Name = name
		}
		byName.Set(name, d)
	}
	return byName.Values()
}

// Deduplicate keeps the first descriptor of every fingerprint. The report
// lists, per collapsed fingerprint, the survivor's label once followed by
// each dropped descriptor's label. Labels carry the survivor's position in
// the result as "name (i)".
func Deduplicate(list []*descriptor.Descriptor) ([]*descriptor.Descriptor, []string) {
	survivors := util.NewOrderedMap[string, *descriptor.Descriptor]()
	reported := make(map[string]bool)
	var duplicates []string
	for _, d := range list {
		fp := d.Fingerprint()
		first, ok := survivors.Get(fp)
		if !ok {
			survivors.Set(fp, d)
			continue
		}
		index := indexOf(survivors, fp)
		if !reported[fp] {
			duplicates = append(duplicates, fmt.Sprintf("%s (%d)", first.DisplayName(), index))
			reported[fp] = true
		}
		duplicates = append(duplicates, fmt.Sprintf("%s (%d)", d.DisplayName(), index))
	}
	return survivors.Values(), duplicates
}

func indexOf(m *util.OrderedMap[string, *descriptor.Descriptor], key string) int {
	index := -1
	i := 0
	m.Range(func(k string, _ *descriptor.Descriptor) bool {
		if k == key {
			index = i
			return false
		}
		i++
		return true
	})
	return index
}
