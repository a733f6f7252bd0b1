package router

import (
	"net/http"

	"github.com/gorilla/mux"

	"syncpad/handler"
	"syncpad/internal/activity"
	"syncpad/internal/room"
	"syncpad/middleware"
	"syncpad/socket"
)

// Setup wires the websocket endpoint and the read-only query API. Everything
// except /health sits behind the auth middleware. snapshots may be nil when
// persistence is not configured.
func Setup(registry *room.Registry, recorder *activity.Recorder, snapshots handler.SnapshotReader) http.Handler {
	r := mux.NewRouter()

	queries := handler.NewQueryHandler(registry, recorder, snapshots)
	r.HandleFunc("/health", queries.Health).Methods(http.MethodGet)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		identity, _ := middleware.IdentityFromContext(req.Context())
		socket.ServeWs(registry, w, req, identity)
	})
	r.Handle("/ws", middleware.AuthMiddleware(wsHandler))

	// Query API
	api := r.PathPrefix("/api").Subrouter()
	api.Use(mux.MiddlewareFunc(middleware.AuthMiddleware))
	api.HandleFunc("/rooms", queries.Rooms).Methods(http.MethodGet)
	api.HandleFunc("/stats", queries.Stats).Methods(http.MethodGet)
	api.HandleFunc("/files/{docId}/{file}", queries.FileContent).Methods(http.MethodGet)
	api.HandleFunc("/files/{docId}/{file}/history", queries.FileHistory).Methods(http.MethodGet)
	api.HandleFunc("/search", queries.Search).Methods(http.MethodGet)

	return middleware.CORSMiddleware(r)
}
