package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/catnap/catalog"
)

func TestFetchDetailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fid") != "7" || r.URL.Query().Get("gid") != "40" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(configsHTML))
	}))
	defer srv.Close()

	c := New(srv.URL + "/cart")
	res, err := c.FetchDetailed(context.Background(), catalog.SourceKey{FID: "7", GID: "40"})
	if err != nil {
		t.Fatal(err)
	}
	if res.HTTPStatus != 200 || res.Bytes == 0 {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Configs) != 3 {
		t.Fatalf("got %d configs, want 3", len(res.Configs))
	}
	if !strings.Contains(res.URL, "fid=7&gid=40") {
		t.Fatalf("url = %q", res.URL)
	}
}

func TestFetchDetailed_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL + "/cart")
	_, err := c.FetchDetailed(context.Background(), catalog.SourceKey{FID: "7"})
	if err == nil || !strings.Contains(err.Error(), "http 503") {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchDetailed_ZeroConfigsIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><div>redesigned page</div></body></html>"))
	}))
	defer srv.Close()

	c := New(srv.URL + "/cart")
	_, err := c.FetchDetailed(context.Background(), catalog.SourceKey{FID: "7", GID: "40"})
	if err == nil || !strings.Contains(err.Error(), "0 configs") {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fid, gid := r.URL.Query().Get("fid"), r.URL.Query().Get("gid")
		switch {
		case fid == "" && gid == "":
			w.Write([]byte(rootHTML))
		case fid == "2" && gid == "":
			w.Write([]byte(fidPageHTML))
		case fid == "7" && gid == "":
			// No region selector: configs listed directly.
			w.Write([]byte(configsHTML))
		default:
			w.Write([]byte(configsHTML))
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/cart")
	snap, err := c.FetchCatalog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Countries) != 2 {
		t.Fatalf("countries = %+v", snap.Countries)
	}
	if len(snap.Regions) != 2 {
		t.Fatalf("regions = %+v", snap.Regions)
	}
	// fid 2 has two regions with 3 configs each, fid 7 lists 3 directly.
	if len(snap.Configs) != 9 {
		t.Fatalf("got %d configs, want 9", len(snap.Configs))
	}
	for _, cfg := range snap.Configs {
		if !cfg.Inventory.CheckedAt.Equal(snap.FetchedAt) {
			t.Fatalf("config %s checkedAt not aligned to snapshot", cfg.ID)
		}
	}
}

func TestFetchCatalog_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rootHTML))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(srv.URL + "/cart").FetchCatalog(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}
}
