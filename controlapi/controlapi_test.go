package controlapi

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l4mesh/relayd/config"
)

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	remoteLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("remote listen: %v", err)
	}
	defer remoteLn.Close()
	go func() {
		for {
			c, err := remoteLn.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	srv := NewServer(nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ec := config.EndpointConfig{
		Listen: "127.0.0.1:0",
		Remote: remoteLn.Addr().String(),
	}
	body, _ := json.Marshal(ec)

	resp, err := http.Post(ts.URL+"/instances", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created StatusView
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp.Body.Close()
	if created.Status != "Running" {
		t.Fatalf("created status = %q, want Running", created.Status)
	}

	resp, err = http.Get(ts.URL + "/instances/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/instances/"+created.ID+"/stop", "", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	var stopped StatusView
	json.NewDecoder(resp.Body).Decode(&stopped)
	resp.Body.Close()
	if stopped.Status != "Stopped" {
		t.Fatalf("status after stop = %q, want Stopped", stopped.Status)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/instances/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestSharedSecretRejectsUnauthenticated(t *testing.T) {
	srv := NewServer(nil)
	srv.SharedSecret = "topsecret"
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/instances")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without shared secret header", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/instances", nil)
	req.Header.Set("X-Relayd-Secret", "topsecret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with secret: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with correct secret", resp.StatusCode)
	}
}
