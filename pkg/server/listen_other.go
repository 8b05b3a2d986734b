//go:build !linux

package server

import "log"

// logListenBacklog logs the listen address
func logListenBacklog(addr string) {
	log.Printf("Chat relay listening on %s", addr)
}

// monitorListenOverflows needs /proc/net/netstat, so it only waits for shutdown here
func (s *Server) monitorListenOverflows() {
	<-s.shutdown
}
