// Package services defines the shared error taxonomy and context annotations
// used across pipeline components. Errors are tagged with sentinel markers at
// the point of failure so boundaries can classify them without string matching.
package services
