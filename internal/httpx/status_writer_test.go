package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusWriterRecords(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec}
	if sw.Code() != http.StatusOK {
		t.Fatalf("unwritten writer should report 200, got %d", sw.Code())
	}

	sw.WriteHeader(http.StatusTooManyRequests)
	if _, err := sw.Write([]byte("slow down")); err != nil {
		t.Fatal(err)
	}
	if sw.Status != http.StatusTooManyRequests || sw.Bytes != len("slow down") {
		t.Fatalf("unexpected status=%d bytes=%d", sw.Status, sw.Bytes)
	}
	if sw.Unwrap() != rec {
		t.Fatal("Unwrap should return the wrapped writer")
	}
}
