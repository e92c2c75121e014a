package dns

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoHResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/dns-json" {
			t.Errorf("Expected dns-json accept header, got %q", r.Header.Get("Accept"))
		}
		if r.URL.Query().Get("type") != "CNAME" {
			t.Errorf("Expected CNAME query, got %q", r.URL.Query().Get("type"))
		}
		if r.URL.Query().Get("name") == "enterpriseenrollment.acme.com" {
			w.Write([]byte(`{"Status":0,"Answer":[{"name":"enterpriseenrollment.acme.com","type":5,"TTL":300,"data":"mdm.mattrax.app."}]}`))
			return
		}
		w.Write([]byte(`{"Status":3}`))
	}))
	defer srv.Close()

	resolver := &DoHResolver{Endpoint: srv.URL, Client: srv.Client()}
	records, err := resolver.CNAME(context.Background(), "enterpriseenrollment.acme.com")
	if err != nil {
		t.Fatalf("CNAME failed: %v", err)
	}
	if len(records) != 1 || records[0] != "mdm.mattrax.app." {
		t.Errorf("Unexpected records %v", records)
	}

	checker := NewEnrollmentChecker(resolver)
	if !checker.Available(context.Background(), "acme.com") {
		t.Error("Expected acme.com to have enrollment available")
	}
	if checker.Available(context.Background(), "globex.com") {
		t.Error("Expected globex.com to have no enrollment record")
	}
}

type failingResolver struct{}

func (failingResolver) CNAME(context.Context, string) ([]string, error) {
	return nil, errors.New("network down")
}

func TestEnrollmentLookupFailure(t *testing.T) {
	if NewEnrollmentChecker(failingResolver{}).Available(context.Background(), "acme.com") {
		t.Error("Expected lookup failure to count as unavailable")
	}
}
