// Mock OCR extraction sidecar for local development. Serves the same REST
// contract as the real document-extraction service: POST /extract with a
// storage key returns identity fields. Keys containing "unreadable" get a
// 422, keys containing "lowconf" return a low confidence score, keys
// containing "expired" return a lapsed expiry date.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"time"
)

type extractRequest struct {
	StorageKey string `json:"storage_key"`
}

type extractResponse struct {
	FullName       string  `json:"full_name"`
	DateOfBirth    string  `json:"date_of_birth"`
	DocumentNumber string  `json:"document_number"`
	ExpiryDate     string  `json:"expiry_date"`
	Nationality    string  `json:"nationality"`
	Confidence     float64 `json:"confidence"`
}

func main() {
	addr := flag.String("addr", ":9102", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract", handleExtract)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mock extractor listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal(err)
	}
}

func handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StorageKey == "" {
		http.Error(w, `{"error":"storage_key is required"}`, http.StatusBadRequest)
		return
	}
	if strings.Contains(req.StorageKey, "unreadable") {
		http.Error(w, `{"error":"document could not be parsed"}`, http.StatusUnprocessableEntity)
		return
	}

	resp := extractResponse{
		FullName:       "Jan de Tester",
		DateOfBirth:    "1988-02-29",
		DocumentNumber: docNumberFor(req.StorageKey),
		ExpiryDate:     time.Now().AddDate(4, 0, 0).Format("2006-01-02"),
		Nationality:    "NLD",
		Confidence:     0.97,
	}
	if strings.Contains(req.StorageKey, "lowconf") {
		resp.Confidence = 0.41
	}
	if strings.Contains(req.StorageKey, "expired") {
		resp.ExpiryDate = time.Now().AddDate(-1, 0, 0).Format("2006-01-02")
	}

	log.Printf("extract %s: confidence %.2f", req.StorageKey, resp.Confidence)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// docNumberFor derives a stable document number per key, so re-running the
// pipeline against the same object reproduces the same fingerprint while
// different objects do not collide as duplicates.
func docNumberFor(key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("NP%07d", h.Sum32()%10000000)
}
