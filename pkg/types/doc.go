// Package types defines the data model shared by the taskfarm master, its
// backend adapters and the layers built on top of the scheduler.
package types
