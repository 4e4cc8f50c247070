package sim

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
)

// Server exposes a Backend over the acquisition websocket protocol.
// Requests on one connection are answered in order.
type Server struct {
	backend  acq.Backend
	upgrader websocket.Upgrader
}

func NewServer(b acq.Backend) *Server {
	return &Server{backend: b}
}

// SetupRoutes mounts the server at acq.WirePath.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle(acq.WirePath, s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[sim] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[sim] client connected: %s", r.RemoteAddr)
	defer log.Printf("[sim] client disconnected: %s", r.RemoteAddr)

	for {
		var req acq.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if err := conn.WriteJSON(acq.Handle(r.Context(), s.backend, req)); err != nil {
			log.Printf("[sim] write error: %v", err)
			return
		}
	}
}
