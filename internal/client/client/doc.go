// Package client talks to the hwidauth HTTP API on behalf of the CLI.
//
// HTTPClient keeps the session token returned by Login and sends it as a
// bearer token on calls that need one. Server refusals come back as the
// sentinels in package common (match them with errors.Is); transport
// failures come back as ErrUnavailable.
package client
