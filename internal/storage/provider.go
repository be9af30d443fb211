package storage

import "pinehill/internal/ports"

// Provider is the artifact-storage contract used by the worker.
// It is an alias to ports.StorageProvider to keep call-sites simple.
type Provider = ports.StorageProvider
