// Package tlsutil holds the TLS settings shared by the outbound HTTP
// clients (completion, speech) and the Redis session store.
package tlsutil
