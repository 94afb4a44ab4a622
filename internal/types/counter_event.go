package types

import (
	"time"

	"github.com/google/uuid"
)

type CounterKind string

const (
	CounterKindView CounterKind = "view"
	CounterKindCopy CounterKind = "copy"
)

// CounterKinds lists every kind the flush/cleanup cycle iterates over.
var CounterKinds = []CounterKind{CounterKindView, CounterKindCopy}

func (k CounterKind) Valid() bool {
	return k == CounterKindView || k == CounterKindCopy
}

// Column maps a kind onto the aggregated counter column it feeds. The
// returned name is interpolated into flush SQL, so it must only ever come
// from this whitelist.
func (k CounterKind) Column() (string, bool) {
	switch k {
	case CounterKindView:
		return "view_count", true
	case CounterKindCopy:
		return "copy_count", true
	default:
		return "", false
	}
}

// CounterEvent is one buffered view/copy increment. Rows are append-only
// until the flush statement consumes them or cleanup prunes them.
// ItemID carries no foreign key on purpose: item deletion may orphan
// events, which cleanup later removes.
type CounterEvent struct {
	ID         uuid.UUID   `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ItemID     uuid.UUID   `gorm:"type:uuid;not null;index:idx_counter_event_item" json:"item_id"`
	Kind       CounterKind `gorm:"type:text;not null;index:idx_counter_event_kind_created,priority:1" json:"kind"`
	SourceHint string      `gorm:"column:source_hint" json:"source_hint,omitempty"`
	CreatedAt  time.Time   `gorm:"not null;default:now();index:idx_counter_event_kind_created,priority:2" json:"created_at"`
}

func (CounterEvent) TableName() string { return "counter_event" }
