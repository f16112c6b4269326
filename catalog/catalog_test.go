package catalog

import (
	"strings"
	"testing"
)

func TestURLKey(t *testing.T) {
	tests := []struct {
		key  SourceKey
		want string
	}{
		{SourceKey{FID: "7", GID: "40"}, "7:40"},
		{SourceKey{FID: "7"}, "7:0"},
		{SourceKey{FID: "2", GID: "56"}, "2:56"},
	}
	for _, tt := range tests {
		if got := tt.key.URLKey(); got != tt.want {
			t.Errorf("URLKey(%+v) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSourceKeyDistinguishesAbsentGID(t *testing.T) {
	withGID := SourceKey{FID: "7", GID: "40"}
	without := SourceKey{FID: "7"}
	if withGID == without {
		t.Fatal("keys with and without gid must not be equal")
	}
}

func TestMakeConfigID_WithPID(t *testing.T) {
	id := MakeConfigID("7", "40", "123", "Basic Plan")
	if id != "lc:7:40:123" {
		t.Fatalf("id = %q, want lc:7:40:123", id)
	}
}

func TestMakeConfigID_NoGID(t *testing.T) {
	id := MakeConfigID("7", "", "123", "Basic Plan")
	if id != "lc:7:0:123" {
		t.Fatalf("id = %q, want lc:7:0:123", id)
	}
}

func TestMakeConfigID_NameFallback(t *testing.T) {
	id := MakeConfigID("7", "40", "", "Basic Plan")
	if !strings.HasPrefix(id, "lc:7:40:") {
		t.Fatalf("id = %q, want lc:7:40:<hash> prefix", id)
	}
	suffix := strings.TrimPrefix(id, "lc:7:40:")
	if len(suffix) != 12 {
		t.Fatalf("hash suffix length = %d, want 12", len(suffix))
	}
	// Same name always yields the same id.
	if again := MakeConfigID("7", "40", "", "Basic Plan"); again != id {
		t.Fatalf("id not stable: %q vs %q", id, again)
	}
	// Different name yields a different id.
	if other := MakeConfigID("7", "40", "", "Premium Plan"); other == id {
		t.Fatal("different names must yield different ids")
	}
}

func TestComputeDigest_IgnoresInventory(t *testing.T) {
	specs := []Spec{{Key: "CPU", Value: "2 cores"}, {Key: "RAM", Value: "4 GB"}}
	price := Money{Amount: 12.5, Currency: "CNY", Period: "month"}

	d1 := ComputeDigest("Basic", specs, price)
	d2 := ComputeDigest("Basic", specs, price)
	if d1 != d2 {
		t.Fatal("digest not deterministic")
	}
	if len(d1) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(d1))
	}
}

func TestComputeDigest_SensitiveToContent(t *testing.T) {
	specs := []Spec{{Key: "CPU", Value: "2 cores"}}
	price := Money{Amount: 12.5, Currency: "CNY", Period: "month"}
	base := ComputeDigest("Basic", specs, price)

	if ComputeDigest("Premium", specs, price) == base {
		t.Error("digest must change with name")
	}
	if ComputeDigest("Basic", []Spec{{Key: "CPU", Value: "4 cores"}}, price) == base {
		t.Error("digest must change with specs")
	}
	if ComputeDigest("Basic", specs, Money{Amount: 15, Currency: "CNY", Period: "month"}) == base {
		t.Error("digest must change with price")
	}
}

func TestComputeDigest_SpecOrderMatters(t *testing.T) {
	price := Money{Amount: 1, Currency: "CNY", Period: "month"}
	a := ComputeDigest("X", []Spec{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, price)
	b := ComputeDigest("X", []Spec{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}, price)
	if a == b {
		t.Fatal("specs are an ordered list; order must affect the digest")
	}
}
