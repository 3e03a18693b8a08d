// Package raijin provides the shared domain types for the raijin document
// store: subscription state and options, worker opening strategies, and
// database statistics. The client SDK lives in the client package, the
// embeddable server in the server package.
package raijin
