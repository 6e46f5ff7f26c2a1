// Package origin talks to the upstream web application server. It owns the
// shared http.Client, the hop-by-hop header rules, and a Fetcher that either
// buffers a response completely (for anything that may be written to the
// cache) or hands back the live stream (for pass-through traffic).
package origin
