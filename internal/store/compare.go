package store

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openmuse/gallery-backend/internal/divergence"
)

// ComparePolicy decides which fields are material when the two backends
// answer the same operation, and how much representation noise to forgive
// before calling the answers divergent. The legacy and target databases
// store timestamps at different precisions and the backfill can lag by a
// flush interval, so comparison without normalization would page on noise.
type ComparePolicy struct {
	// Fields is the allowlist of material fields. Anything not listed is
	// never compared.
	Fields []string `yaml:"fields"`
	// CounterTolerance is the absolute per-counter slack allowed between
	// backends before a counter field counts as divergent.
	CounterTolerance int64 `yaml:"counter_tolerance"`
	// RowCountTolerance is the slack allowed on whole-table row counts.
	RowCountTolerance int64 `yaml:"row_count_tolerance"`
	// TruncateTimestamps compares timestamps at second granularity.
	TruncateTimestamps bool `yaml:"truncate_timestamps"`
}

func DefaultComparePolicy() ComparePolicy {
	return ComparePolicy{
		Fields:             []string{"exists", "id", "slug", "view_count", "copy_count"},
		CounterTolerance:   0,
		RowCountTolerance:  0,
		TruncateTimestamps: true,
	}
}

// LoadComparePolicy reads a policy file, falling back to the default when
// the path is empty. A present-but-broken file is an error: silently
// comparing with the wrong policy would hide real divergence.
func LoadComparePolicy(path string) (ComparePolicy, error) {
	policy := DefaultComparePolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read compare policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("parse compare policy: %w", err)
	}
	if len(policy.Fields) == 0 {
		policy.Fields = DefaultComparePolicy().Fields
	}
	return policy, nil
}

type Comparator struct {
	policy ComparePolicy
}

func NewComparator(policy ComparePolicy) *Comparator {
	return &Comparator{policy: policy}
}

// CompareItems returns the material differences between a primary and a
// secondary read of the same item. An existence mismatch short-circuits:
// field-by-field comparison against a missing row is meaningless.
func (c *Comparator) CompareItems(primary, secondary ItemRecord) []divergence.FieldDiff {
	if primary.Exists != secondary.Exists {
		return []divergence.FieldDiff{{Field: "exists", Primary: primary.Exists, Secondary: secondary.Exists}}
	}
	if !primary.Exists {
		return nil
	}

	var diffs []divergence.FieldDiff
	for _, field := range c.policy.Fields {
		switch field {
		case "exists":
			// handled above
		case "id":
			if primary.ID != secondary.ID {
				diffs = append(diffs, divergence.FieldDiff{Field: "id", Primary: primary.ID.String(), Secondary: secondary.ID.String()})
			}
		case "slug":
			if primary.Slug != secondary.Slug {
				diffs = append(diffs, divergence.FieldDiff{Field: "slug", Primary: primary.Slug, Secondary: secondary.Slug})
			}
		case "title":
			if primary.Title != secondary.Title {
				diffs = append(diffs, divergence.FieldDiff{Field: "title", Primary: primary.Title, Secondary: secondary.Title})
			}
		case "view_count":
			if !withinTolerance(primary.ViewCount, secondary.ViewCount, c.policy.CounterTolerance) {
				diffs = append(diffs, divergence.FieldDiff{Field: "view_count", Primary: primary.ViewCount, Secondary: secondary.ViewCount})
			}
		case "copy_count":
			if !withinTolerance(primary.CopyCount, secondary.CopyCount, c.policy.CounterTolerance) {
				diffs = append(diffs, divergence.FieldDiff{Field: "copy_count", Primary: primary.CopyCount, Secondary: secondary.CopyCount})
			}
		case "updated_at":
			a, b := primary.UpdatedAt, secondary.UpdatedAt
			if c.policy.TruncateTimestamps {
				a = a.Truncate(time.Second)
				b = b.Truncate(time.Second)
			}
			if !a.UTC().Equal(b.UTC()) {
				diffs = append(diffs, divergence.FieldDiff{Field: "updated_at", Primary: a.UTC(), Secondary: b.UTC()})
			}
		}
	}
	return diffs
}

// CompareRowCounts checks whole-table counts during migration backfill.
func (c *Comparator) CompareRowCounts(primary, secondary int64) []divergence.FieldDiff {
	if withinTolerance(primary, secondary, c.policy.RowCountTolerance) {
		return nil
	}
	return []divergence.FieldDiff{{Field: "row_count", Primary: primary, Secondary: secondary}}
}

func withinTolerance(a, b, tolerance int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
