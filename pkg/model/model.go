// Package model defines the core domain types for gochat.
package model
