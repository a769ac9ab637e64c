// Package core provides the fundamental types and interfaces for the relay packages.
//
// This package contains:
//   - JobRecord and RelayState data models with GORM annotations
//   - QueueStore interface defining the persistence and locking contract
//   - Page, Signal and Clock capabilities consumed by the engine
//   - Event types for job monitoring
//   - Error types for relay processing
//
// Most users should import the root package github.com/jdziat/job-relay
// instead of this package directly.
package core
