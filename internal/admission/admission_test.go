package admission

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
)

func newRegistry(tokens ...string) *tokenreg.Registry {
	r := tokenreg.New(nil, tokens)
	return r
}

func TestExtractCredentialFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=abc", nil)
	tok, err := ExtractCredential(req)
	if err != nil || tok != "abc" {
		t.Fatalf("expected abc, nil, got %q, %v", tok, err)
	}
}

func TestExtractCredentialFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	tok, err := ExtractCredential(req)
	if err != nil || tok != "xyz" {
		t.Fatalf("expected xyz, nil, got %q, %v", tok, err)
	}
}

func TestExtractCredentialMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := ExtractCredential(req); err != ErrNoCredential {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestAuthenticateUnknown(t *testing.T) {
	c := New(newRegistry("good"), 10)
	if err := c.Authenticate("bad"); err != ErrUnknownCredential {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
	if err := c.Authenticate("good"); err != nil {
		t.Fatalf("expected nil for known token, got %v", err)
	}
}

func TestAdmitRespectsCapAndReleases(t *testing.T) {
	c := New(newRegistry("good"), 2)

	rel1, err := c.Admit()
	if err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	_, err = c.Admit()
	if err != nil {
		t.Fatalf("admit 2: %v", err)
	}
	if _, err := c.Admit(); err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity on 3rd admit, got %v", err)
	}

	rel1()
	if c.Count() != 1 {
		t.Fatalf("expected count 1 after release, got %d", c.Count())
	}

	// Release is idempotent — calling twice must not double-decrement.
	rel1()
	if c.Count() != 1 {
		t.Fatalf("expected count to stay 1 after double release, got %d", c.Count())
	}

	if _, err := c.Admit(); err != nil {
		t.Fatalf("expected freed slot to admit, got %v", err)
	}
}

func TestAdmitSerializesRaceForLastSlot(t *testing.T) {
	c := New(newRegistry("good"), 1)

	var wg sync.WaitGroup
	successes := make(chan func(), 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rel, err := c.Admit(); err == nil {
				successes <- rel
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 admit to succeed for a single slot, got %d", count)
	}
}
