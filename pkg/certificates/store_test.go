package certificates

import (
	"bytes"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *CertificateStore {
	t.Helper()
	generator := NewCertificateGenerator(setupTestCA(t, t.TempDir()))
	// Use smaller key size for faster tests
	if err := generator.SetKeySize(1024); err != nil {
		t.Fatal(err)
	}
	return NewCertificateStore(generator)
}

func TestCertificateStore_CacheHit(t *testing.T) {
	store := newTestStore(t)

	cert1, err := store.GetCertificate("example.com")
	if err != nil {
		t.Fatalf("Failed to get certificate: %v", err)
	}
	cert2, err := store.GetCertificate("example.com")
	if err != nil {
		t.Fatalf("Failed to get cached certificate: %v", err)
	}

	if !bytes.Equal(cert1.CertPEM, cert2.CertPEM) || !bytes.Equal(cert1.KeyPEM, cert2.KeyPEM) {
		t.Errorf("cached PEM pair differs between calls")
	}
	if stats := store.GetCacheStats(); stats.Minted != 1 || stats.TotalCertificates != 1 {
		t.Errorf("stats = %+v, want one minted and cached", stats)
	}
}

func TestCertificateStore_ExactHostKey(t *testing.T) {
	store := newTestStore(t)

	lower, err := store.GetCertificate("example.com")
	if err != nil {
		t.Fatal(err)
	}
	upper, err := store.GetCertificate("EXAMPLE.com")
	if err != nil {
		t.Fatal(err)
	}

	if lower == upper {
		t.Errorf("hostnames differing only in case should be cached separately")
	}
	if got := store.GetCacheStats().TotalCertificates; got != 2 {
		t.Errorf("cache size = %d, want 2", got)
	}
}

func TestCertificateStore_Clear(t *testing.T) {
	store := newTestStore(t)

	before, err := store.GetCertificate("example.com")
	if err != nil {
		t.Fatal(err)
	}

	store.Clear()
	if got := store.GetCacheStats().TotalCertificates; got != 0 {
		t.Errorf("cache size after Clear = %d, want 0", got)
	}

	after, err := store.GetCertificate("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before.CertPEM, after.CertPEM) {
		t.Errorf("certificate after Clear should be newly minted")
	}
	if got := store.GetCacheStats().Minted; got != 2 {
		t.Errorf("minted = %d, want 2", got)
	}
}

func TestCertificateStore_ConcurrentFirstRequestsCoalesce(t *testing.T) {
	store := newTestStore(t)

	const callers = 16
	results := make([]*LeafCertificate, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = store.GetCertificate("race.example.com")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d received a different certificate", i)
		}
	}

	if got := store.GetCacheStats().Minted; got != 1 {
		t.Errorf("minted = %d, want exactly 1 for coalesced requests", got)
	}
}

func TestCertificateStore_ListCertificates(t *testing.T) {
	store := newTestStore(t)

	for _, host := range []string{"b.com", "a.com"} {
		if _, err := store.GetCertificate(host); err != nil {
			t.Fatal(err)
		}
	}

	entries := store.ListCertificates()
	if len(entries) != 2 {
		t.Fatalf("ListCertificates() len = %d, want 2", len(entries))
	}
	if entries[0].Host != "a.com" || entries[1].Host != "b.com" {
		t.Errorf("ListCertificates() not sorted: %s, %s", entries[0].Host, entries[1].Host)
	}
	if entries[0].IsExpired {
		t.Errorf("fresh entry reported expired")
	}
	if len(entries[0].Domains) != 2 || entries[0].Domains[1] != "*.a.com" {
		t.Errorf("entry domains = %v", entries[0].Domains)
	}
}

func TestAuthority_LeafCacheHit(t *testing.T) {
	a := NewAuthority(t.TempDir(), WithKeySize(1024))
	if _, err := a.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	first, err := a.GenerateLeaf("foo.com")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.GenerateLeaf("foo.com")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.CertPEM, second.CertPEM) || !bytes.Equal(first.KeyPEM, second.KeyPEM) {
		t.Errorf("GenerateLeaf() returned different PEM pairs before ClearCache")
	}

	a.ClearCache()
	third, err := a.GenerateLeaf("foo.com")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first.CertPEM, third.CertPEM) {
		t.Errorf("GenerateLeaf() after ClearCache returned the old certificate")
	}

	if err := verifyLeaf(third.Certificate, a.CertPool(), "foo.com"); err != nil {
		t.Errorf("leaf does not chain to the authority root: %v", err)
	}
	if len(a.ListCertificates()) != 1 {
		t.Errorf("ListCertificates() = %d entries, want 1", len(a.ListCertificates()))
	}
}
