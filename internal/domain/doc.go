// Package domain defines the core data models, collaborator contracts and
// error taxonomy shared across carecrypt. It contains plain types
// (wire/state) and contracts (interfaces) only.
//
// Errors: operations return the sentinels in errors.go, wrapped with %w.
// Replay, MITM and zero-knowledge failures are struct errors that still
// match their sentinel through errors.Is; IsSecurityWarning groups the ones
// callers should surface as warnings.
package domain
