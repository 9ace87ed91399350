/*
Package interp runs the Python interpreter that backs the bridge.

The Session opens a unix socket and starts a wrapper script with the path to
the socket. The wrapper connects upon startup and stays alive for the life of
the daemon; it is restarted lazily if it dies.

# Wire Protocol
The wire protocol is line oriented where every line is a JSON object.
  - Go sends requests (one per line, see Request)
  - The wrapper sends lines starting with a letter specifying the type, then a JSON object
  - 'r' reply to a request
  - 'l' log record
  - 's' wrapper started (no JSON body)

Calls are serialised by the Session. Standard output is redirected per wrapper
thread, so a script's captured output never mixes with the server's sink.
*/
package interp
