package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DivergenceRecord is one detected mismatch between the legacy and target
// backends for a single logical operation. Append-only; pruned by retention.
type DivergenceRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Operation string         `gorm:"not null;index" json:"operation"`
	Diff      datatypes.JSON `gorm:"type:jsonb" json:"diff"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (DivergenceRecord) TableName() string { return "divergence_record" }
