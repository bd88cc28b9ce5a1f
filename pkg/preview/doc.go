/*
Package preview serves a project's live preview on a stable host address.

Dev servers pick their own ports and a restarted server may come back on a
different one. The Proxy keeps one address for the whole session and
forwards to whichever dev server is ready, answering 503 while none is.
Per-client rate limiting and an IP allow/deny list guard the address when it
is exposed beyond loopback.
*/
package preview
