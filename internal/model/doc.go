// Package model defines the records shared by every other package of the
// channel manager: channels, peers, transfers and operations, the closed
// enums that classify them, the error taxonomy, and request hashing.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Records reference each other by id only, never by pointer
//   - Owner types form a closed enum {WORKER, PORTAL, STORAGE}
//   - All JSON tags use camelCase, matching the HTTP surface
package model
