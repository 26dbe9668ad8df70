// Package rpc implements the JSON-RPC 2.0 transport to the configuration
// datastore.
//
// Every call is an HTTP POST to <base>/<endpoint>/<method> carrying the
// envelope
//
//	{"jsonrpc": "2.0", "id": <int>, "method": <string>, "params": {...}}
//
// Request ids come from a per-transport Clock and are never reused. A
// response carries either a result payload or an error object; error objects
// are decoded exactly once, here, into an *Error whose Kind drives the
// classify package. Network and HTTP failures surface as KindTransport.
//
// The transport never retries.
package rpc
