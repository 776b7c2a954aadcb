package entity

import (
	"strings"

	"github.com/samber/lo"
)

// MethodSet is the ordered set of enrolled MFA methods. Order is enrollment order.
type MethodSet []Channel

// ParseMethodSet reads the comma-joined storage form, skipping unknown and
// duplicate entries.
func ParseMethodSet(raw string) MethodSet {
	var ms MethodSet
	for _, part := range strings.Split(raw, ",") {
		c := Channel(strings.TrimSpace(part))
		if c.Valid() {
			ms = ms.Add(c)
		}
	}
	return ms
}

func (ms MethodSet) Has(c Channel) bool {
	return lo.Contains(ms, c)
}

// Add appends c unless it is already a member. The receiver is not modified.
func (ms MethodSet) Add(c Channel) MethodSet {
	if ms.Has(c) {
		return ms
	}
	out := make(MethodSet, len(ms), len(ms)+1)
	copy(out, ms)
	return append(out, c)
}

func (ms MethodSet) Empty() bool {
	return len(ms) == 0
}

func (ms MethodSet) Strings() []string {
	return lo.Map(ms, func(c Channel, _ int) string { return c.String() })
}

// String is the comma-joined storage form.
func (ms MethodSet) String() string {
	return strings.Join(ms.Strings(), ",")
}
