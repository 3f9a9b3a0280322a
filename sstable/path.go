package sstable

import "path/filepath"

const (
	dataPrefix = "sstable-data-"
	metaPrefix = "sstable-meta-"
)

// DataPath returns the data file path for sstable id under dir.
func DataPath(dir, id string) string { return filepath.Join(dir, dataPrefix+id) }

// MetaPath returns the sidecar metadata file path for sstable id under dir.
func MetaPath(dir, id string) string { return filepath.Join(dir, metaPrefix+id) }
