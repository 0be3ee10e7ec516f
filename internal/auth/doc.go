// Package auth implements sessions and access control: signed access tokens,
// rotating refresh tokens with reuse detection, and the role hierarchy that
// gates user administration.
package auth
