// Package client defines the contract between the load engine and the
// protocol clients it drives (framed, stub), along with the domain types
// exchanged between them and a registry that resolves clients by protocol
// name.
package client
