// Package auth implements credential acquisition: the OAuth device-code
// flow, the credential store adapter and the menu that gates chat.
package auth

import "errors"

var (
	// ErrNetwork means a request to the provider could not complete.
	ErrNetwork = errors.New("auth network error")
	// ErrProtocol means the provider answered with an unexpected payload.
	ErrProtocol = errors.New("auth protocol error")
	// ErrRejected means the provider denied or expired the authorization.
	ErrRejected = errors.New("authorization rejected")
	// ErrNotAuthenticated means no usable credentials are stored.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoExternalCredentials means the external auth file holds nothing usable.
	ErrNoExternalCredentials = errors.New("no usable external credentials")
)
