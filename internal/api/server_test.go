package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellar/go/keypair"

	"subengine/internal/chain"
	"subengine/internal/models"
	"subengine/internal/noise"
	"subengine/internal/storage"
	"subengine/internal/streams"
)

type fakeSubmitter struct{}

func (f *fakeSubmitter) SubmitTransfer(ctx context.Context, destination string, amount float64, memo string) (*chain.SubmitResult, error) {
	return &chain.SubmitResult{Signature: "sig"}, nil
}

func newTestServer(t *testing.T) (*Server, *streams.Store) {
	t.Helper()
	repo := storage.NewMemoryRepository()
	store := streams.NewStore(repo)
	engine := noise.NewEngine(rand.New(rand.NewSource(7)))
	scheduler := streams.NewScheduler(store, engine, &fakeSubmitter{}, keypair.MustRandom().Address())
	return NewServer(0, store, scheduler, nil, repo), store
}

func createStream(t *testing.T, s *Server) models.Stream {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"name":         "netflix",
		"recipient":    keypair.MustRandom().Address(),
		"total_amount": 120,
		"frequency":    "monthly",
	})
	req := httptest.NewRequest(http.MethodPost, "/streams", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var stream models.Stream
	if err := json.Unmarshal(rec.Body.Bytes(), &stream); err != nil {
		t.Fatalf("bad create response: %v", err)
	}
	return stream
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

func TestCreateAndGetStream(t *testing.T) {
	s, _ := newTestServer(t)
	created := createStream(t, s)

	if created.ID == "" || created.Status != models.StreamActive {
		t.Fatalf("unexpected created stream: %+v", created)
	}

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}
	var got models.Stream
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != created.ID || got.Name != "netflix" {
		t.Errorf("get mismatch: %+v", got)
	}
}

func TestCreateStream_InvalidRecipient(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"name":         "bad",
		"recipient":    "not-an-address",
		"total_amount": 10,
		"frequency":    "monthly",
	})
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/streams", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad recipient, got %d", rec.Code)
	}
}

func TestListStreams_StatusFilter(t *testing.T) {
	s, _ := newTestServer(t)
	a := createStream(t, s)
	createStream(t, s)

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/streams/"+a.ID+"/pause", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams?status=paused", nil))
	var body struct {
		Streams []models.Stream `json:"streams"`
		Total   int             `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || len(body.Streams) != 1 || body.Streams[0].ID != a.ID {
		t.Errorf("filter returned wrong set: %+v", body)
	}
}

func TestPauseResumeCancelLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	stream := createStream(t, s)

	steps := []struct {
		action string
		want   models.StreamStatus
	}{
		{"pause", models.StreamPaused},
		{"resume", models.StreamActive},
		{"cancel", models.StreamCancelled},
	}
	for _, step := range steps {
		rec := httptest.NewRecorder()
		url := fmt.Sprintf("/streams/%s/%s", stream.ID, step.action)
		s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d: %s", step.action, rec.Code, rec.Body.String())
		}
		var got models.Stream
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		if got.Status != step.want {
			t.Errorf("%s: expected %q, got %q", step.action, step.want, got.Status)
		}
	}
}

func TestDeleteStream_Tombstones(t *testing.T) {
	s, store := newTestServer(t)
	stream := createStream(t, s)

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/streams/"+stream.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete returned %d", rec.Code)
	}
	if !store.IsDeleted(stream.ID) {
		t.Error("delete must tombstone the id")
	}

	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/"+stream.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestUnknownStreamReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	for _, url := range []string{"/streams/nope", "/streams/nope/pause"} {
		method := http.MethodGet
		if url == "/streams/nope/pause" {
			method = http.MethodPost
		}
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, httptest.NewRequest(method, url, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", url, rec.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/streams", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}

	var body models.ErrorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != http.StatusMethodNotAllowed {
		t.Errorf("error body missing code: %+v", body)
	}
}
