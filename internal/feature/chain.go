package feature

import "strings"

// DefaultSeparator joins chain segments unless CHAIN_SEPARATOR overrides it.
const DefaultSeparator = "$iamb$"

// Chains splits and builds delimiter-joined paths from a protocol root to
// a feature. The zero value uses DefaultSeparator.
type Chains struct {
	Sep string
}

func (c Chains) sep() string {
	if c.Sep == "" {
		return DefaultSeparator
	}
	return c.Sep
}

// Split returns the chain segments in root-to-leaf order.
func (c Chains) Split(chain string) []string {
	if chain == "" {
		return nil
	}
	return strings.Split(chain, c.sep())
}

// Join builds a chain from segments.
func (c Chains) Join(segments ...string) string {
	return strings.Join(segments, c.sep())
}

// Extend appends one segment to chain.
func (c Chains) Extend(chain, segment string) string {
	if chain == "" {
		return segment
	}
	return chain + c.sep() + segment
}

// IsNested reports whether chain has more than one segment.
func (c Chains) IsNested(chain string) bool {
	return strings.Contains(chain, c.sep())
}

// TrimLast removes the last segment. ok is false for singleton chains.
func (c Chains) TrimLast(chain string) (prefix string, ok bool) {
	i := strings.LastIndex(chain, c.sep())
	if i < 0 {
		return "", false
	}
	return chain[:i], true
}

// Ancestors returns every proper prefix of chain, nearest first.
func (c Chains) Ancestors(chain string) []string {
	var out []string
	for {
		prefix, ok := c.TrimLast(chain)
		if !ok {
			return out
		}
		out = append(out, prefix)
		chain = prefix
	}
}

// IsDescendant reports whether chain lies strictly below ancestor.
func (c Chains) IsDescendant(chain, ancestor string) bool {
	return strings.HasPrefix(chain, ancestor+c.sep())
}

// ValidSegment reports whether a node name can be used as a chain segment.
func (c Chains) ValidSegment(name string) bool {
	return name != "" && !strings.Contains(name, c.sep())
}
