package vmmdriver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func unixServer(t *testing.T, handler http.Handler) (socketPath string, close func()) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "api.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := &httptest.Server{Listener: l, Config: &http.Server{Handler: handler}}
	srv.Start()
	return socketPath, srv.Close
}

func TestClientCallSuccess(t *testing.T) {
	var gotBody map[string]any
	socketPath, closeFn := unixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PUT" || r.URL.Path != "/machine-config" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer closeFn()

	c := NewClient(socketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "PUT", "/machine-config", map[string]any{"vcpu_count": 2, "mem_size_mib": 256})
	if err != nil {
		t.Fatal(err)
	}
	if gotBody["vcpu_count"].(float64) != 2 {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestClientCallErrorStatus(t *testing.T) {
	socketPath, closeFn := unixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"fault_message":"bad request"}`))
	}))
	defer closeFn()

	c := NewClient(socketPath)
	err := c.Call(context.Background(), "PUT", "/boot-source", map[string]any{})
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestClientCallRetriesWhileSocketNotYetListening(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "api.sock")
	c := NewClient(socketPath)

	done := make(chan struct{})
	go func() {
		time.Sleep(40 * time.Millisecond)
		l, err := net.Listen("unix", socketPath)
		if err != nil {
			return
		}
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})}
		go srv.Serve(l)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Call(ctx, "PUT", "/machine-config", map[string]any{}); err != nil {
		t.Fatalf("expected retry to eventually succeed once the socket starts listening: %v", err)
	}
	<-done
}

func TestApplyConfigIssuesFixedOrderAndStartsInstance(t *testing.T) {
	var calls []string
	socketPath, closeFn := unixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer closeFn()

	c := NewClient(socketPath)
	spec := testSpec()
	if err := c.ApplyConfig(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"PUT /logger",
		"PUT /boot-source",
		"PUT /drives/root",
		"PUT /drives/data",
		"PUT /network-interfaces/eth0",
		"PUT /vsock",
		"PUT /machine-config",
		"PUT /actions",
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d: %v", len(calls), len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: got %q want %q", i, calls[i], want[i])
		}
	}
}
