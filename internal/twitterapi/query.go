package twitterapi

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

var multiWordRE = regexp.MustCompile(`\s`)

// Query holds the search parameters combined into one recent-search call.
type Query struct {
	Hashtag         string
	Keywords        []string
	IncludeRetweets bool
	Lang            string
	GeoLat          float64
	GeoLon          float64
	GeoRadiusKm     float64
	StartTime       string // RFC3339
	EndTime         string // RFC3339
	SinceID         string
	UntilID         string
	NextToken       string // pagination cursor from a previous call
}

// String renders the query operators: hashtag, OR-combined keywords with
// multi-word phrases quoted, retweet exclusion, language hint and the
// point_radius geo operator (which expects lon before lat).
func (q Query) String() string {
	var parts []string

	if q.Hashtag != "" {
		h := q.Hashtag
		if !strings.HasPrefix(h, "#") {
			h = "#" + h
		}
		parts = append(parts, h)
	}

	var kwParts []string
	for _, k := range q.Keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if multiWordRE.MatchString(k) {
			k = `"` + k + `"`
		}
		kwParts = append(kwParts, k)
	}
	if len(kwParts) > 0 {
		parts = append(parts, "("+strings.Join(kwParts, " OR ")+")")
	}

	// The API requires at least one standalone operator; -is:retweet and
	// lang: alone are not accepted.
	if len(parts) == 0 {
		parts = append(parts, "(*)")
	}

	if !q.IncludeRetweets {
		parts = append(parts, "-is:retweet")
	}
	if q.Lang != "" {
		parts = append(parts, "lang:"+q.Lang)
	}
	if q.GeoRadiusKm > 0 {
		parts = append(parts, fmt.Sprintf("point_radius:[%.6f %.6f %.2fkm]", q.GeoLon, q.GeoLat, q.GeoRadiusKm))
	}

	return strings.Join(parts, " ")
}

// MatchesLocation reports whether a post satisfies the optional location
// post-filter: a case-insensitive substring of the place full name, or an
// exact country-code match. Posts without place metadata cannot be verified
// and are excluded when a filter is set.
func MatchesLocation(post models.RawPost, location string) bool {
	if location == "" {
		return true
	}
	if post.Place == nil {
		return false
	}
	want := strings.ToLower(location)
	fullName := strings.ToLower(post.Place.FullName)
	countryCode := strings.ToLower(post.Place.CountryCode)
	return strings.Contains(fullName, want) || want == countryCode
}
