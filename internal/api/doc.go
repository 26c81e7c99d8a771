// Package api exposes the transaction runtime over HTTP: the signed
// transact endpoint, approval management, directory administration and
// health reporting.
package api
