// Package session holds the process-lifetime state of anonymous users. A
// Session is keyed by a client-chosen token and outlives any single
// physical connection; the Registry maps live connections back to tokens.
package session
