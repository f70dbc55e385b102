// Package scrape defines the core types, collaborator interfaces, and error
// taxonomy shared across the orchestration subsystems.
package scrape
