// Package services holds the upstream completion providers and the bbolt backed identity store used by
// the handlers.
package services

const errLoggerKey = "err"
