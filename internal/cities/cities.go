// Package cities resolves the set of Craigslist sites a run crawls.
package cities

import (
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var tierFS embed.FS

var tiers = []string{"small", "medium", "large"}

// ErrUnknownTier is returned for a tier name with no bundled list.
var ErrUnknownTier = errors.New("unknown city tier")

// City is one Craigslist site. Code is its subdomain.
type City struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// Tiers lists the bundled tier names from smallest to largest.
func Tiers() []string {
	return append([]string(nil), tiers...)
}

// Tier returns the bundled city list for name.
func Tier(name string) ([]City, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	data, err := tierFS.ReadFile("data/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownTier, name, strings.Join(tiers, ", "))
	}
	return decode(data, name, zap.NewNop())
}

// LoadFile reads a custom city list. YAML and JSON lists of {code, name}
// objects are accepted; entries missing either field are skipped.
func LoadFile(path string, logger *zap.Logger) ([]City, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading city list: %w", err)
	}
	return decode(data, path, logger)
}

func decode(data []byte, source string, logger *zap.Logger) ([]City, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing city list %s: %w", source, err)
	}

	out := make([]City, 0, len(raw))
	for i, entry := range raw {
		code, _ := entry["code"].(string)
		name, _ := entry["name"].(string)
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" || strings.TrimSpace(name) == "" {
			logger.Warn("skipping invalid city entry", zap.String("source", source), zap.Int("index", i))
			continue
		}
		out = append(out, City{Code: code, Name: strings.TrimSpace(name)})
	}
	return out, nil
}

// Lookup maps explicit codes to cities, taking names from catalog. Codes not
// in the catalog are kept under their own name. Duplicates are dropped.
func Lookup(codes []string, catalog []City, logger *zap.Logger) []City {
	byCode := make(map[string]City, len(catalog))
	for _, c := range catalog {
		byCode[c.Code] = c
	}

	seen := make(map[string]bool)
	var out []City
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		c, ok := byCode[code]
		if !ok {
			logger.Warn("city code not in bundled lists", zap.String("city", code))
			c = City{Code: code, Name: code}
		}
		out = append(out, c)
	}
	return out
}

// Selection describes which cities a run targets. Codes win over File, and
// File wins over Tier.
type Selection struct {
	Codes []string
	File  string
	Tier  string
}

// Resolve returns the ordered target cities and the search scope tag that
// leads found in this run are stored under.
func Resolve(sel Selection, logger *zap.Logger) ([]City, string, error) {
	switch {
	case len(sel.Codes) > 0:
		catalog, err := Tier(tiers[len(tiers)-1])
		if err != nil {
			return nil, "", err
		}
		list := Lookup(sel.Codes, catalog, logger)
		if len(list) == 0 {
			return nil, "", errors.New("no valid city codes given")
		}
		scope := "small_region"
		if len(list) == 1 {
			scope = "single_city"
		}
		return list, scope, nil

	case sel.File != "":
		list, err := LoadFile(sel.File, logger)
		if err != nil {
			return nil, "", err
		}
		return list, "custom_file", nil

	default:
		tier := sel.Tier
		if tier == "" {
			tier = tiers[0]
		}
		list, err := Tier(tier)
		if err != nil {
			return nil, "", err
		}
		return list, strings.ToLower(strings.TrimSpace(tier)) + "_list", nil
	}
}

// ExpectedHost is the host every candidate URL for code must have.
func ExpectedHost(code, suffix string) string {
	return code + "." + strings.TrimPrefix(suffix, ".")
}

// MatchesDomain reports whether rawURL belongs to the city's own site.
func MatchesDomain(rawURL, code, suffix string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), ExpectedHost(code, suffix))
}
