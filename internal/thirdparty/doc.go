// Package thirdparty holds tests checking wsproto against other
// WebSocket implementations and HTTP frameworks.
package thirdparty
