// Package security provides validation, sanitization, and limits for the relay packages.
//
// This package includes:
//   - Job id and content validation
//   - Error message sanitization before errors are persisted on a job
//   - Clamping functions for retry bounds and fan-out batch sizes
//   - SafeJoin for confining companion file writes to the sandbox root
package security
