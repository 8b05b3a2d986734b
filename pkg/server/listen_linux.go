//go:build linux

package server

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit
func logListenBacklog(addr string) {
	somaxconn := readSomaxconn()
	log.Printf("Chat relay listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 1024 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections under a login burst", somaxconn)
	}
}

func readSomaxconn() int {
	data, err := os.ReadFile("/proc/sys/net/core/somaxconn")
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

// monitorListenOverflows feeds kernel listen queue drops into the metrics
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := readListenOverflows()
	for {
		select {
		case <-ticker.C:
			current := readListenOverflows()
			if current > last {
				delta := current - last
				log.Printf("WARNING: %d connection(s) dropped by a full listen backlog", delta)
				s.metrics.RecordListenOverflows(delta)
			}
			last = current

		case <-s.shutdown:
			return
		}
	}
}

// readListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func readListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	var headers, values []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if headers == nil {
			headers = fields
			continue
		}
		values = fields
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, _ := strconv.ParseUint(values[i], 10, 64)
			return n
		}
	}
	return 0
}
