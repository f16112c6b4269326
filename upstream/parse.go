package upstream

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/catnap/catalog"
)

// ParseCountries extracts the top-level groups from the cart root page.
// Each .firstgroup_item carries the fid in its onclick handler.
func ParseCountries(doc *html.Node) []catalog.Country {
	var out []catalog.Country
	for _, el := range findByClass(doc, "firstgroup_item") {
		fid := extractQueryNumber(getAttr(el, "onclick"), "fid")
		if fid == "" {
			continue
		}
		name := firstClassText(el, "yy-bth-text-a")
		if name == "" {
			name = fid
		}
		out = append(out, catalog.Country{ID: fid, Name: name})
	}
	return out
}

// ParseRegions extracts the region selector entries from a country page.
// Pages without a region selector yield nil; their configs live directly
// on the country page.
func ParseRegions(fid string, doc *html.Node) []catalog.Region {
	var out []catalog.Region
	for _, el := range findByClass(doc, "secondgroup_item") {
		gid := extractQueryNumber(getAttr(el, "onclick"), "gid")
		if gid == "" {
			continue
		}
		name := firstClassText(el, "yy-bth-text-a")
		if name == "" {
			name = gid
		}
		out = append(out, catalog.Region{
			ID:           gid,
			CountryID:    fid,
			Name:         name,
			LocationName: firstClassText(el, "yy-bth-text-b"),
		})
	}
	return out
}

// ParseConfigs extracts the product cards from a country or region page.
// Cards without an h4 name are skipped. fid "2" is the fixed-price cloud
// group whose pages never expose stock, so its configs are not monitorable
// and report quantity 1.
func ParseConfigs(fid, gid string, doc *html.Node) []catalog.Config {
	now := time.Now().UTC()
	var out []catalog.Config

	for _, card := range findCards(doc) {
		name := ""
		if h4 := firstByTag(card, "h4"); h4 != nil {
			name = normalizeText(collectText(h4))
		}
		if name == "" {
			continue
		}

		var specs []catalog.Spec
		if block := firstByClass(card, "card-text"); block != nil {
			for _, p := range findByTag(block, "p") {
				if k, v, ok := splitKV(normalizeText(collectText(p))); ok {
					specs = append(specs, catalog.Spec{Key: k, Value: v})
				}
			}
			for _, li := range findByTag(block, "li") {
				if k, v, ok := splitKV(normalizeText(collectText(li))); ok {
					specs = append(specs, catalog.Spec{Key: k, Value: v})
				}
			}
		}

		price := catalog.Money{Currency: "CNY", Period: "month"}
		if a := firstPriceAnchor(card); a != nil {
			price.Amount = parseAmount(normalizeText(collectText(a)))
		}

		quantity, haveQuantity := int64(0), false
		for _, p := range findByTag(card, "p") {
			text := normalizeText(collectText(p))
			if strings.Contains(text, "库存") {
				quantity, haveQuantity = extractFirstInt(text)
				break
			}
		}

		monitorSupported := fid != "2"
		inv := catalog.Inventory{CheckedAt: now}
		switch {
		case !monitorSupported:
			inv.Status, inv.Quantity = "available", 1
		case haveQuantity && quantity > 0:
			inv.Status, inv.Quantity = "available", quantity
		case haveQuantity:
			inv.Status, inv.Quantity = "unavailable", quantity
		default:
			inv.Status, inv.Quantity = "unknown", 0
		}

		pid := ""
		for _, a := range findByTag(card, "a") {
			href := getAttr(a, "href")
			if strings.Contains(href, "configureproduct&pid=") {
				pid = extractQueryNumber(href, "pid")
				break
			}
		}

		out = append(out, catalog.Config{
			ID:               catalog.MakeConfigID(fid, gid, pid, name),
			CountryID:        fid,
			RegionID:         gid,
			Name:             name,
			Specs:            specs,
			Price:            price,
			Inventory:        inv,
			Digest:           catalog.ComputeDigest(name, specs, price),
			MonitorSupported: monitorSupported,
			SourcePID:        pid,
			SourceFID:        fid,
			SourceGID:        gid,
		})
	}
	return out
}

// findCards matches elements carrying both the card and cartitem classes.
func findCards(root *html.Node) []*html.Node {
	var results []*html.Node
	walk(root, func(n *html.Node) {
		if hasClass(n, "card") && hasClass(n, "cartitem") {
			results = append(results, n)
		}
	})
	return results
}

// firstPriceAnchor matches the first a.cart-num under the card.
func firstPriceAnchor(card *html.Node) *html.Node {
	for _, a := range findByTag(card, "a") {
		if hasClass(a, "cart-num") {
			return a
		}
	}
	return nil
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func findByClass(root *html.Node, class string) []*html.Node {
	var results []*html.Node
	walk(root, func(n *html.Node) {
		if hasClass(n, class) {
			results = append(results, n)
		}
	})
	return results
}

func firstByClass(root *html.Node, class string) *html.Node {
	matches := findByClass(root, class)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func findByTag(root *html.Node, tag string) []*html.Node {
	var results []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			results = append(results, n)
		}
	})
	return results
}

func firstByTag(root *html.Node, tag string) *html.Node {
	matches := findByTag(root, tag)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
	})
	return sb.String()
}

// normalizeText collapses runs of whitespace, including non-breaking
// spaces, to single spaces.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.Join(strings.Fields(s), " ")
}

// firstClassText is firstByClass + collectText + normalizeText.
func firstClassText(root *html.Node, class string) string {
	el := firstByClass(root, class)
	if el == nil {
		return ""
	}
	return normalizeText(collectText(el))
}

// extractQueryNumber pulls the digit run following "key=" out of a URL or
// inline handler string. Returns "" when the key is absent or not
// followed by digits.
func extractQueryNumber(s, key string) string {
	idx := strings.Index(s, key)
	if idx < 0 {
		return ""
	}
	s = s[idx+len(key):]
	if !strings.HasPrefix(s, "=") {
		return ""
	}
	s = s[1:]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// extractFirstInt returns the first contiguous digit run in s.
func extractFirstInt(s string) (int64, bool) {
	start, end := -1, len(s)
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			if start < 0 {
				start = i
			}
		} else if start >= 0 {
			end = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(s[start:end], 10, 64)
	return v, err == nil
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// splitKV splits a "键：值" or "key: value" line. Both the fullwidth and
// ASCII colon appear on upstream pages.
func splitKV(s string) (key, value string, ok bool) {
	k, v, found := strings.Cut(s, "：")
	if !found {
		k, v, found = strings.Cut(s, ":")
	}
	if !found {
		return "", "", false
	}
	k, v = strings.TrimSpace(k), strings.TrimSpace(v)
	if k == "" || v == "" {
		return "", "", false
	}
	return k, v, true
}
