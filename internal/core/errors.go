// Package core defines the fundamental types and errors for Meridian.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Provider errors
	ErrProviderNotFound = errors.New("provider not found")
	ErrNotConnected     = errors.New("provider is not connected")
	ErrAlreadyConnected = errors.New("provider is already connected")
	ErrNotMultiInstance = errors.New("provider does not support multiple accounts")

	// Auth errors
	ErrAuthExpired     = errors.New("credentials expired")
	ErrAuthDenied      = errors.New("authorization denied")
	ErrAuthUnavailable = errors.New("auth method not available on this platform")
	ErrNotConfigured   = errors.New("provider is not configured")

	// Sync errors
	ErrSyncFailed       = errors.New("sync failed")
	ErrRateLimited      = errors.New("rate limited by source API")
	ErrInstanceNotFound = errors.New("plugin instance not found")

	// Storage errors
	ErrRecordNotFound   = errors.New("record not found")
	ErrSecretNotFound   = errors.New("secret not found")
	ErrDecryptionFailed = errors.New("decryption failed")
)
