// Package middleware provides the built-in middleware for the Bridge
// chain: retry with exponential backoff, response caching, request and
// response transforms, structured request logging, and validation with
// content redaction.
//
// All middleware honor the chain contract: the RequestID is preserved,
// modified requests are clones, error classification survives re-throws,
// and streaming wrappers re-sequence through a StreamWriter.
package middleware
