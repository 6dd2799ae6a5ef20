// Package guard authorizes HTTP requests with bearer access tokens.
//
// It also defines the failure taxonomy (Kind) shared by every credential
// checkpoint in the server, so HTTP middleware, the auth API, and the
// realtime gateway reject a given credential the same way.
package guard
