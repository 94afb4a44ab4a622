package config

import (
	"time"

	"github.com/openmuse/gallery-backend/internal/platform/envutil"
)

type Backend string

const (
	// BackendLegacy is the GORM-managed database the product launched on.
	BackendLegacy Backend = "legacy"
	// BackendTarget is the pgx-managed database the migration moves to.
	BackendTarget Backend = "target"
)

// FeatureFlagSet is the process-wide migration switchboard. It is loaded
// once at startup and read-only afterwards; flag changes take effect on
// redeploy, never mid-process.
type FeatureFlagSet struct {
	PrimaryBackend    Backend
	DualWriteEnabled  bool
	ShadowReadEnabled bool
	RealtimeEnabled   bool
	SecondaryTimeout  time.Duration
}

func LoadFlags() FeatureFlagSet {
	primary := BackendLegacy
	if Backend(envutil.String("PRIMARY_BACKEND", string(BackendLegacy))) == BackendTarget {
		primary = BackendTarget
	}
	return FeatureFlagSet{
		PrimaryBackend:    primary,
		DualWriteEnabled:  envutil.Bool("DUAL_WRITE_ENABLED", false),
		ShadowReadEnabled: envutil.Bool("SHADOW_READ_ENABLED", false),
		RealtimeEnabled:   envutil.Bool("REALTIME_ENABLED", false),
		SecondaryTimeout:  envutil.Duration("SECONDARY_TIMEOUT_MS", 500, time.Millisecond),
	}
}

// SecondaryBackend returns the non-authoritative side of the migration.
func (f FeatureFlagSet) SecondaryBackend() Backend {
	if f.PrimaryBackend == BackendTarget {
		return BackendLegacy
	}
	return BackendTarget
}

// SecondaryActive reports whether any mode touches the secondary store.
func (f FeatureFlagSet) SecondaryActive() bool {
	return f.DualWriteEnabled || f.ShadowReadEnabled
}
