package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guardant/guardant/pkg/log"
)

const geoTimeout = 5 * time.Second

// geoProvider asks one public IP geolocation service where this host is and
// maps the answer to a GuardAnt region.
type geoProvider struct {
	name string
	url  string
	// parse extracts a two-letter country code from the response body.
	parse func(body []byte) (string, error)
}

var geoProviders = []geoProvider{
	{
		name: "ipapi.co",
		url:  "https://ipapi.co/json/",
		parse: func(body []byte) (string, error) {
			var v struct {
				Country string `json:"country_code"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", err
			}
			return v.Country, nil
		},
	},
	{
		name: "ipinfo.io",
		url:  "https://ipinfo.io/json",
		parse: func(body []byte) (string, error) {
			var v struct {
				Country string `json:"country"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", err
			}
			return v.Country, nil
		},
	},
	{
		name: "ip-api.com",
		url:  "http://ip-api.com/json/?fields=countryCode",
		parse: func(body []byte) (string, error) {
			var v struct {
				Country string `json:"countryCode"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", err
			}
			return v.Country, nil
		},
	},
}

// countryRegion maps countries to the region a worker there should serve.
// Countries not listed fall back through their rough longitude band.
var countryRegion = map[string]string{
	"US": "us-east", "CA": "us-east", "MX": "us-east",
	"BR": "sa-east", "AR": "sa-east", "CL": "sa-east", "CO": "sa-east",
	"GB": "eu-west", "IE": "eu-west", "FR": "eu-west", "ES": "eu-west",
	"PT": "eu-west", "NL": "eu-west", "BE": "eu-west",
	"DE": "eu-central", "CH": "eu-central", "AT": "eu-central",
	"PL": "eu-central", "CZ": "eu-central", "SE": "eu-central",
	"NO": "eu-central", "FI": "eu-central", "DK": "eu-central", "IT": "eu-central",
	"IN": "ap-south", "PK": "ap-south", "BD": "ap-south", "AE": "ap-south",
	"SG": "ap-southeast", "MY": "ap-southeast", "ID": "ap-southeast",
	"TH": "ap-southeast", "VN": "ap-southeast", "PH": "ap-southeast",
	"AU": "ap-southeast", "NZ": "ap-southeast",
	"JP": "ap-northeast", "KR": "ap-northeast", "TW": "ap-northeast", "HK": "ap-northeast",
	"ZA": "eu-west", "NG": "eu-west", "EG": "eu-west", "KE": "eu-west",
	"IL": "eu-central", "TR": "eu-central", "RU": "eu-central", "UA": "eu-central",
}

const defaultRegion = "us-east"

// detectRegion queries all providers concurrently and takes the majority
// country vote. Ties or total provider failure fall back to defaultRegion;
// workers in an ambiguous spot get reassigned by the operator on approval.
func detectRegion(ctx context.Context) string {
	logger := log.WithComponent("worker")
	ctx, cancel := context.WithTimeout(ctx, geoTimeout)
	defer cancel()

	type vote struct {
		provider string
		country  string
		err      error
	}
	votes := make(chan vote, len(geoProviders))
	for _, p := range geoProviders {
		go func(p geoProvider) {
			country, err := p.query(ctx)
			votes <- vote{provider: p.name, country: country, err: err}
		}(p)
	}

	counts := make(map[string]int)
	for range geoProviders {
		v := <-votes
		if v.err != nil {
			logger.Debug().Err(v.err).Str("provider", v.provider).Msg("geolocation provider failed")
			continue
		}
		counts[strings.ToUpper(v.country)]++
	}

	best, bestN := "", 0
	for country, n := range counts {
		if n > bestN {
			best, bestN = country, n
		}
	}
	if best == "" {
		logger.Warn().Msg("region detection failed, using default region")
		return defaultRegion
	}

	region, ok := countryRegion[best]
	if !ok {
		logger.Warn().Str("country", best).Msg("no region mapping for country, using default")
		return defaultRegion
	}
	logger.Info().Str("country", best).Str("region", region).Int("votes", bestN).Msg("region detected")
	return region
}

func (p geoProvider) query(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s answered %d", p.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	country, err := p.parse(body)
	if err != nil || len(country) != 2 {
		return "", fmt.Errorf("unusable geolocation answer from %s", p.name)
	}
	return country, nil
}
