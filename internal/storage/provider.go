package storage

import "mediarender/internal/ports"

// Provider is the storage contract used by the finalizer, the asset route
// and the health check.
type Provider = ports.StorageProvider
