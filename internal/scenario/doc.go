// Package scenario defines the shared data model for the generation service:
// progress events, generation requests and results, the error taxonomy, and
// the interfaces implemented by the pipeline collaborators.
package scenario
