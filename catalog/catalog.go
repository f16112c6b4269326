// Package catalog defines the domain types shared by the upstream fetcher,
// the persistent store, and the synchronization engine: sources, catalog
// configs, lifecycle states, and the identity/digest helpers that keep
// config IDs stable across refetches.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Lifecycle states of a catalog config.
const (
	StateActive   = "active"
	StateDelisted = "delisted"
)

// SourceKey identifies one fetchable upstream page: a site identifier and
// an optional region identifier. An empty GID means "no region", which is
// distinct from any concrete region.
type SourceKey struct {
	FID string
	GID string
}

// URLKey returns the composite key used for dedup and url-cache lookups.
// Sources without a region use "0" in the gid slot so the key shape is
// uniform.
func (k SourceKey) URLKey() string {
	gid := k.GID
	if gid == "" {
		gid = "0"
	}
	return k.FID + ":" + gid
}

func (k SourceKey) String() string {
	if k.GID == "" {
		return "fid=" + k.FID
	}
	return "fid=" + k.FID + " gid=" + k.GID
}

// Country is a top-level catalog group (fid).
type Country struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Region is a sub-group under a country (gid).
type Region struct {
	ID           string `json:"id"`
	CountryID    string `json:"countryId"`
	Name         string `json:"name"`
	LocationName string `json:"locationName,omitempty"`
}

// Spec is one ordered key/value attribute of a config.
type Spec struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Money is a price with its currency and billing period.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Period   string  `json:"period"`
}

// Inventory is the stock observation attached to a config at fetch time.
type Inventory struct {
	Status    string    `json:"status"`
	Quantity  int64     `json:"quantity"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Config is one product/plan entry as parsed from an upstream page.
// ID is stable across refetches: derived from the upstream product id when
// present, otherwise from a content hash of the name.
type Config struct {
	ID               string    `json:"id"`
	CountryID        string    `json:"countryId"`
	RegionID         string    `json:"regionId,omitempty"`
	Name             string    `json:"name"`
	Specs            []Spec    `json:"specs"`
	Price            Money     `json:"price"`
	Inventory        Inventory `json:"inventory"`
	Digest           string    `json:"digest"`
	MonitorSupported bool      `json:"monitorSupported"`
	SourcePID        string    `json:"-"`
	SourceFID        string    `json:"-"`
	SourceGID        string    `json:"-"`
}

// SourceKey returns the key of the page this config was parsed from.
func (c Config) SourceKey() SourceKey {
	return SourceKey{FID: c.SourceFID, GID: c.SourceGID}
}

// Lifecycle tracks whether a config currently exists upstream.
// DelistedAt is set iff State is delisted. ListedAt only advances on first
// insert or on a delisted-to-active transition.
type Lifecycle struct {
	State      string     `json:"state"`
	ListedAt   time.Time  `json:"listedAt"`
	DelistedAt *time.Time `json:"delistedAt,omitempty"`
	LastSeenAt time.Time  `json:"-"`
}

// Snapshot is a full catalog crawl result: every country, region, and
// config discovered in one pass.
type Snapshot struct {
	Countries []Country `json:"countries"`
	Regions   []Region  `json:"regions"`
	Configs   []Config  `json:"configs"`
	FetchedAt time.Time `json:"fetchedAt"`
	SourceURL string    `json:"sourceUrl"`
}

// MakeConfigID derives the stable config identifier. The upstream product
// id (pid) is the preferred anchor; when the page exposes none, a 12-char
// prefix of the name's sha256 stands in so the id survives refetches as
// long as the name does.
func MakeConfigID(fid, gid, pid, name string) string {
	if gid == "" {
		gid = "0"
	}
	if pid != "" {
		return "lc:" + fid + ":" + gid + ":" + pid
	}
	sum := sha256.Sum256([]byte(name))
	return "lc:" + fid + ":" + gid + ":" + hex.EncodeToString(sum[:])[:12]
}

// ComputeDigest hashes name, specs, and price. Inventory is deliberately
// excluded so "config changed" is detectable independently of stock churn.
func ComputeDigest(name string, specs []Spec, price Money) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("\n"))
	for _, s := range specs {
		h.Write([]byte(s.Key))
		h.Write([]byte("="))
		h.Write([]byte(s.Value))
		h.Write([]byte("\n"))
	}
	h.Write([]byte(strconv.FormatFloat(price.Amount, 'f', -1, 64)))
	h.Write([]byte("\n"))
	h.Write([]byte(price.Currency))
	h.Write([]byte("\n"))
	h.Write([]byte(price.Period))
	return hex.EncodeToString(h.Sum(nil))
}
