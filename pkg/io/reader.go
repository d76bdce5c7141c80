// Package io provides input utilities for flow record ingestion.
package io

import "github.com/hed1ad/flowguard/pkg/flow"

// Reader is the interface for reading flow records from files and captures.
type Reader interface {
	// Read returns the complete dataset.
	Read() ([]flow.Record, error)

	// Close releases resources.
	Close() error
}
