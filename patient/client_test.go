package patient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// apiStub serves the patients API from a memory repository.
func apiStub(t *testing.T) *httptest.Server {
	t.Helper()
	repo := NewMemoryRepo()
	fail := func(w http.ResponseWriter, status int, detail string) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"detail": detail})
	}
	reply := func(w http.ResponseWriter, v any, err error) {
		switch {
		case errors.Is(err, ErrMRNExists):
			fail(w, http.StatusBadRequest, "Patient with this MRN already exists")
		case errors.Is(err, ErrNotFound):
			fail(w, http.StatusNotFound, "Patient not found")
		case err != nil:
			fail(w, http.StatusInternalServerError, err.Error())
		case v == nil:
			w.WriteHeader(http.StatusNoContent)
		default:
			json.NewEncoder(w).Encode(v)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/patients", func(w http.ResponseWriter, r *http.Request) {
		ps, err := repo.List(r.Context())
		reply(w, ps, err)
	})
	mux.HandleFunc("POST /api/patients", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		json.NewDecoder(r.Body).Decode(&req)
		p, err := repo.Create(r.Context(), req)
		reply(w, p, err)
	})
	mux.HandleFunc("GET /api/patients/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := repo.Get(r.Context(), r.PathValue("id"))
		reply(w, p, err)
	})
	mux.HandleFunc("PUT /api/patients/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req UpdateRequest
		json.NewDecoder(r.Body).Decode(&req)
		p, err := repo.Update(r.Context(), r.PathValue("id"), req)
		reply(w, p, err)
	})
	mux.HandleFunc("DELETE /api/patients/{id}", func(w http.ResponseWriter, r *http.Request) {
		reply(w, nil, repo.Delete(r.Context(), r.PathValue("id")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	testRepository(t, NewClient(apiStub(t).URL+"/"))
}

func TestClientErrors(t *testing.T) {
	c := NewClient(apiStub(t).URL)
	ctx := context.Background()

	c.Create(ctx, CreateRequest{MRN: "1", FirstName: "A", LastName: "B", DateOfBirth: "2000-01-01"})
	_, err := c.Create(ctx, CreateRequest{MRN: "1", FirstName: "A", LastName: "B", DateOfBirth: "2000-01-01"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Detail != "Patient with this MRN already exists" {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, ErrMRNExists) || errors.Is(err, ErrNotFound) {
		t.Error("sentinel matching wrong for 400")
	}

	_, err = c.Get(ctx, "nope")
	if !errors.Is(err, ErrNotFound) || !strings.Contains(err.Error(), "Patient not found") {
		t.Errorf("Get(missing) = %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewClient(url).List(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestClientDetailFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).List(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "Bad Gateway" {
		t.Fatalf("err = %v", err)
	}
}
