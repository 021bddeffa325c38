// Command origin is a stand-in origin for local runs. It records the last
// notification a gate relayed and serves it back on GET /last.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type notification struct {
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

type received struct {
	Gate       string    `json:"gate"`
	Sender     string    `json:"sender"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	Count      int       `json:"count"`
}

type recorder struct {
	mu     sync.Mutex
	last   *received
	count  int
	status int
}

func (rc *recorder) notify(w http.ResponseWriter, r *http.Request) {
	var n notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "bad notification", http.StatusBadRequest)
		return
	}
	rc.mu.Lock()
	rc.count++
	rc.last = &received{
		Gate:       r.Header.Get("X-Tickgate-Gate"),
		Sender:     n.Sender,
		Payload:    n.Payload,
		ReceivedAt: time.Now().UTC(),
		Count:      rc.count,
	}
	status := rc.status
	rc.mu.Unlock()
	w.WriteHeader(status)
}

func (rc *recorder) lastHandler(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	last := rc.last
	rc.mu.Unlock()
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(last)
}

func (rc *recorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /last", rc.lastHandler)
	mux.HandleFunc("POST /", rc.notify)
	return mux
}

func main() {
	var addr string
	var status int
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.IntVar(&status, "status", http.StatusNoContent, "status returned for notifications")
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	rc := &recorder{status: status}
	srv := &http.Server{Addr: addr, Handler: rc.handler(), ReadHeaderTimeout: 5 * time.Second}
	log.Info("origin listening", zap.String("addr", addr), zap.Int("status", status))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("origin stopped", zap.Error(err))
	}
}
