package realtime

import (
	"context"
	"net/http"

	"github.com/igm/sockjs-go/sockjs"
)

// SockJSHandler serves the queue protocol under prefix, e.g. "/realtime".
// XHR transports end the opening request early, so sessions run on a
// background context instead of the request's.
func SockJSHandler(prefix string, server *Server) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		server.Serve(context.Background(), session)
	})
}
