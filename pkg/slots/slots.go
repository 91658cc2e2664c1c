package slots

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Unlimited is the sentinel for "no cap". It is absorbing under MinCap.
const Unlimited int64 = math.MaxInt64

// Slots is a multiset of typed quantities keyed by resource name.
// COUNT resources are stored in milli-units (cpu: 4000 = 4 cores),
// BYTES resources in bytes, UNIQUE resources as 0 or Milli.
type Slots map[string]int64

// Milli is one whole COUNT unit.
const Milli int64 = 1000

// Clone returns a deep copy.
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Add returns s + other component-wise. Keys absent on one side are
// treated as zero.
func (s Slots) Add(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		out[k] += v
	}
	return out
}

// Sub returns s - other. A per-key underflow is an error: allocations
// may never go negative.
func (s Slots) Sub(other Slots) (Slots, error) {
	out := s.Clone()
	for k, v := range other {
		have := out[k]
		if have < v {
			return nil, fmt.Errorf("slot %q underflow: %d - %d", k, have, v)
		}
		out[k] = have - v
	}
	return out, nil
}

// Scale returns s with every quantity multiplied by n.
func (s Slots) Scale(n int64) Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v * n
	}
	return out
}

// Fits reports whether s <= other for every key of s. Missing keys on
// the right count as zero.
func (s Slots) Fits(other Slots) bool {
	for k, v := range s {
		if v > other[k] {
			return false
		}
	}
	return true
}

// Any reports whether any quantity is non-zero.
func (s Slots) Any() bool {
	for _, v := range s {
		if v != 0 {
			return true
		}
	}
	return false
}

// MinCap returns the component-wise minimum of two cap maps, treating
// Unlimited as absorbing and missing keys as Unlimited.
func MinCap(a, b Slots) Slots {
	out := make(Slots)
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if cur, ok := out[k]; !ok || v < cur {
			out[k] = v
		}
	}
	return out
}

// Names returns the sorted resource names present in s.
func (s Slots) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders slots deterministically, e.g. "cpu=2000,mem=4294967296".
func (s Slots) String() string {
	parts := make([]string, 0, len(s))
	for _, k := range s.Names() {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s[k]))
	}
	return strings.Join(parts, ",")
}

// Parse reads the CLI/yaml form "cpu=2,mem=4G,cuda.device=1". COUNT
// values may be decimal ("cpu=0.5") and are scaled to milli-units;
// BYTES values accept K/M/G/T suffixes.
func Parse(spec string, schema *Schema) (Slots, error) {
	out := make(Slots)
	if strings.TrimSpace(spec) == "" {
		return out, nil
	}
	for _, part := range strings.Split(spec, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed slot %q", part)
		}
		name, raw := kv[0], kv[1]
		st := TypeCount
		if schema != nil {
			var ok bool
			st, ok = schema.Types[name]
			if !ok {
				return nil, fmt.Errorf("unknown resource slot %q", name)
			}
		}
		v, err := parseQuantity(raw, st)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func parseQuantity(raw string, st SlotType) (int64, error) {
	switch st {
	case TypeBytes:
		return parseBytes(raw)
	case TypeUnique:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		if n != 0 && n != 1 {
			return 0, fmt.Errorf("unique slot must be 0 or 1, got %d", n)
		}
		return n * Milli, nil
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, err
		}
		if f < 0 {
			return 0, fmt.Errorf("negative quantity %v", f)
		}
		return int64(math.Round(f * float64(Milli))), nil
	}
}

func parseBytes(raw string) (int64, error) {
	mult := int64(1)
	suffix := ""
	if len(raw) > 0 {
		last := raw[len(raw)-1]
		if last < '0' || last > '9' {
			suffix = strings.ToUpper(string(last))
			raw = raw[:len(raw)-1]
		}
	}
	switch suffix {
	case "":
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	case "T":
		mult = 1 << 40
	default:
		return 0, fmt.Errorf("unknown byte suffix %q", suffix)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative quantity %d", n)
	}
	return n * mult, nil
}
