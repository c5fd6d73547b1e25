/*
Package reactorhttpd is an event-driven HTTP/1.1 static file server for Linux.

A single reactor goroutine waits on epoll for the listening socket, a wake-up
notifier and every client connection. Connections are registered one-shot:
once a connection fires it is silent until it is re-armed, so at most one
worker ever touches it. Readable connections are read on the reactor and
handed to a bounded worker pool, which parses the request, resolves the file
under the document root and builds the response. Files are memory-mapped and
sent together with the header in a single writev.

Idle connections sit on a timer list sorted by expiry. Every time slot the
reactor evicts those that have been quiet for three slots.

Quick Start

	go run ./cmd/webserver -p 8808 -t 8 -root ./root

or with a config file:

	# server.toml
	port = 8808
	threads = 8
	time.slot = "5s"

	[doc]
	root = "/srv/www"

	[log]
	level = "info"
	format = "console"

Environment variables prefixed with WEBSERVER_ override the file, and flags
given on the command line override both (WEBSERVER_MAX_CONNS sets
max.conns).

Only GET is served. A request yields 200 with the file, 404 if it does not
exist, 403 if it is not world-readable, 400 for a directory or a malformed
request and 500 if the response cannot be built.

Modules

  - app: Application lifecycle, logging and signal handling
  - config: Configuration loading and management
  - core: The reactor engine, admission control and idle eviction
  - core/http: Per-connection parse and respond state machine
  - core/static: Document root resolution and memory mapping
  - core/pools: Worker pool and buffer pool
  - core/poller: epoll and the wake-up notifier
  - core/timer: Sorted expiry list
  - core/observability: Counters and latency histogram, encoded with protobuf
  - cmd/webserver: The server binary
*/
package reactorhttpd
