// Package platform holds the per-board configuration consumed by the generic
// automation handler. Board differences are data here, not code paths.
package platform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const (
	errorDelayStep = 3 * time.Second
	errorDelayMax  = 15 * time.Second
)

// Config describes one job board
type Config struct {
	Name               models.Platform
	Domains            []string
	SearchLinkPattern  *regexp.Regexp
	ApplicationTimeout time.Duration

	// startURL builds the first page opened in the automation window
	startURL func(prefs map[string]any) string
	// applyPath is appended to a job link when opening the job tab
	applyPath string
	// jobKey overrides NormalizeURL for boards that carry the job id in the query
	jobKey func(u *url.URL) string
}

// StartURL returns the search page for the given preferences
func (c Config) StartURL(prefs map[string]any) string {
	return c.startURL(prefs)
}

// JobTabURL returns the URL opened in the job tab for a job link
func (c Config) JobTabURL(jobURL string) string {
	if c.applyPath == "" {
		return jobURL
	}
	u, err := url.Parse(jobURL)
	if err != nil {
		return strings.TrimRight(jobURL, "/") + c.applyPath
	}
	if strings.HasSuffix(strings.TrimRight(u.Path, "/"), c.applyPath) {
		return jobURL
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.applyPath
	return u.String()
}

// JobKey returns the dedup key of a job link on this board
func (c Config) JobKey(raw string) string {
	if c.jobKey != nil {
		if u, err := url.Parse(strings.TrimSpace(raw)); err == nil && u.Host != "" {
			if key := c.jobKey(u); key != "" {
				return key
			}
		}
	}
	return NormalizeURL(raw)
}

// JobKey returns the dedup key of a job link on board p. Unknown boards use
// NormalizeURL.
func JobKey(p models.Platform, raw string) string {
	c, ok := configs[p]
	if !ok {
		return NormalizeURL(raw)
	}
	return c.JobKey(raw)
}

// SameJob reports whether two links point at the same job on board p
func SameJob(p models.Platform, a, b string) bool {
	return JobKey(p, a) == JobKey(p, b)
}

// MatchesJobLink reports whether a link looks like a job posting on this board
func (c Config) MatchesJobLink(link string) bool {
	return c.SearchLinkPattern.MatchString(link)
}

// ContinuationDelay is the pause before SEARCH_NEXT. Zero after a success,
// otherwise 3s per consecutive error capped at 15s.
func (c Config) ContinuationDelay(status models.LinkStatus, errorCount int) time.Duration {
	if status == models.LinkSuccess || errorCount <= 0 {
		return 0
	}
	d := time.Duration(errorCount) * errorDelayStep
	if d > errorDelayMax {
		return errorDelayMax
	}
	return d
}

// SearchData builds the initial search parameters for a session
func (c Config) SearchData(limit int) models.SearchData {
	return models.SearchData{
		Limit:             limit,
		Domain:            append([]string(nil), c.Domains...),
		SearchLinkPattern: c.SearchLinkPattern.String(),
	}
}

var configs = map[models.Platform]Config{
	models.PlatformLever: {
		Name:               models.PlatformLever,
		Domains:            []string{"jobs.lever.co"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://jobs\.lever\.co/[^/?#]+/[^/?#]+`),
		ApplicationTimeout: 5 * time.Minute,
		startURL:           googleSiteSearch("jobs.lever.co"),
		applyPath:          "/apply",
	},
	models.PlatformRecruitee: {
		Name:               models.PlatformRecruitee,
		Domains:            []string{"recruitee.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://[^/?#]+\.recruitee\.com/o/[^/?#]+`),
		ApplicationTimeout: 5 * time.Minute,
		startURL:           googleSiteSearch("recruitee.com"),
	},
	models.PlatformBreezy: {
		Name:               models.PlatformBreezy,
		Domains:            []string{"breezy.hr"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://[^/?#]+\.breezy\.hr/p/[^/?#]+`),
		ApplicationTimeout: 5 * time.Minute,
		startURL:           googleSiteSearch("breezy.hr"),
		applyPath:          "/apply",
	},
	models.PlatformAshby: {
		Name:               models.PlatformAshby,
		Domains:            []string{"jobs.ashbyhq.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://jobs\.ashbyhq\.com/[^/?#]+/[0-9a-fA-F-]{8,}`),
		ApplicationTimeout: 5 * time.Minute,
		startURL:           googleSiteSearch("jobs.ashbyhq.com"),
		applyPath:          "/application",
	},
	models.PlatformLinkedIn: {
		Name:               models.PlatformLinkedIn,
		Domains:            []string{"linkedin.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://(www\.)?linkedin\.com/jobs/view/\d+`),
		ApplicationTimeout: 10 * time.Minute,
		startURL:           boardSearch("https://www.linkedin.com/jobs/search/", "keywords", "location", "f_AL=true"),
	},
	models.PlatformZipRecruiter: {
		Name:               models.PlatformZipRecruiter,
		Domains:            []string{"ziprecruiter.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://(www\.)?ziprecruiter\.com/(c|jobs|k)/[^?#]+`),
		ApplicationTimeout: 10 * time.Minute,
		startURL:           boardSearch("https://www.ziprecruiter.com/jobs-search", "search", "location", ""),
	},
	models.PlatformGlassdoor: {
		Name:               models.PlatformGlassdoor,
		Domains:            []string{"glassdoor.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://(www\.)?glassdoor\.[a-z.]+/(job-listing|Job)/[^?#]+`),
		ApplicationTimeout: 10 * time.Minute,
		startURL:           boardSearch("https://www.glassdoor.com/Job/jobs.htm", "sc.keyword", "locKeyword", ""),
	},
	models.PlatformWellfound: {
		Name:               models.PlatformWellfound,
		Domains:            []string{"wellfound.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://(www\.)?wellfound\.com/jobs/\d+`),
		ApplicationTimeout: 10 * time.Minute,
		startURL:           boardSearch("https://wellfound.com/jobs", "q", "location", ""),
	},
	models.PlatformIndeed: {
		Name:               models.PlatformIndeed,
		Domains:            []string{"indeed.com"},
		SearchLinkPattern:  regexp.MustCompile(`^https?://([a-z]+\.)?indeed\.com/(viewjob|rc/clk|pagead/clk)\?[^#]*jk=[0-9a-f]+`),
		ApplicationTimeout: 15 * time.Minute,
		startURL:           boardSearch("https://www.indeed.com/jobs", "q", "l", "sc=0kf%3Aattr%28DSQF7%29%3B"),
		jobKey:             queryJobKey("jk", "/viewjob/"),
	},
}

// Lookup returns the configuration for a board
func Lookup(p models.Platform) (Config, error) {
	c, ok := configs[p]
	if !ok {
		return Config{}, fmt.Errorf("unsupported platform: %s", p)
	}
	return c, nil
}

// All returns every board configuration in models.Platforms order
func All() []Config {
	out := make([]Config, 0, len(models.Platforms))
	for _, p := range models.Platforms {
		out = append(out, configs[p])
	}
	return out
}

// queryJobKey keys a link by the job id in query parameter param, so every
// link form of one job collapses to scheme://host + prefix + id.
func queryJobKey(param, prefix string) func(*url.URL) string {
	return func(u *url.URL) string {
		id := strings.ToLower(u.Query().Get(param))
		if id == "" {
			return ""
		}
		return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + prefix + id
	}
}

func googleSiteSearch(site string) func(map[string]any) string {
	return func(prefs map[string]any) string {
		q := "site:" + site
		if positions := prefString(prefs, "positions"); positions != "" {
			q += " " + positions
		}
		if location := prefString(prefs, "location"); location != "" {
			q += " " + location
		}
		return "https://www.google.com/search?q=" + url.QueryEscape(q)
	}
}

func boardSearch(base, keywordParam, locationParam, extra string) func(map[string]any) string {
	return func(prefs map[string]any) string {
		v := url.Values{}
		if positions := prefString(prefs, "positions"); positions != "" {
			v.Set(keywordParam, positions)
		}
		if location := prefString(prefs, "location"); location != "" {
			v.Set(locationParam, location)
		}
		query := v.Encode()
		if extra != "" {
			if query != "" {
				query += "&"
			}
			query += extra
		}
		if query == "" {
			return base
		}
		return base + "?" + query
	}
}

// prefString reads a preference that may be a string or a list of strings
func prefString(prefs map[string]any, key string) string {
	switch v := prefs[key].(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, " ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
