// Package repository provides the session.Repository implementations:
// an in-memory map for tests and a sqlite-backed store for the daemon.
package repository

import "github.com/ferrydev/ferry/internal/session"

var (
	_ session.Repository = (*MemoryRepository)(nil)
	_ session.Repository = (*SQLiteRepository)(nil)
)
