// Mock malware scanner sidecar for local development. Serves the same REST
// contract as the real ClamAV bridge: POST /scan with a storage key returns a
// verdict. Keys containing "infected" scan dirty, keys containing "scanfail"
// get a 503, everything else is clean.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
)

type scanRequest struct {
	StorageKey string `json:"storage_key"`
}

type scanResponse struct {
	Status  string   `json:"status"`
	Threats []string `json:"threats"`
}

func main() {
	addr := flag.String("addr", ":9101", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /scan", handleScan)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mock scanner listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal(err)
	}
}

func handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StorageKey == "" {
		http.Error(w, `{"error":"storage_key is required"}`, http.StatusBadRequest)
		return
	}

	switch {
	case strings.Contains(req.StorageKey, "scanfail"):
		http.Error(w, `{"error":"scanner overloaded"}`, http.StatusServiceUnavailable)
		return
	case strings.Contains(req.StorageKey, "infected"):
		log.Printf("scan %s: infected", req.StorageKey)
		writeJSON(w, scanResponse{
			Status:  "infected",
			Threats: []string{"Eicar-Test-Signature"},
		})
	default:
		log.Printf("scan %s: clean", req.StorageKey)
		writeJSON(w, scanResponse{Status: "clean", Threats: []string{}})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
