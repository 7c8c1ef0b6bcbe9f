package api

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/siteswarm/siteswarm/internal/common/errors"
)

const (
	maxCompetitors        = 10
	maxIndustryContextLen = 500
)

var supportedLanguages = map[string]bool{
	"fi": true,
	"en": true,
	"sv": true,
}

// Instruction-override phrases that have no business in an industry
// description. Matched case-insensitively as substrings.
var injectionPatterns = []string{
	"ignore previous",
	"ignore all previous",
	"disregard previous",
	"disregard all",
	"forget your instructions",
	"system prompt",
	"you are now",
	"new instructions",
	"act as if",
	"override your",
}

// ValidateRunRequest checks and normalizes a run request in place.
// Competitors come out deduplicated, capped and without the main URL.
func ValidateRunRequest(req *RunRequest) *errors.AppError {
	target, appErr := validateTargetURL(req.URL)
	if appErr != nil {
		return appErr
	}

	if req.Language == "" {
		req.Language = "fi"
	}
	if !supportedLanguages[req.Language] {
		return errors.ValidationError("language", "must be one of fi, en, sv")
	}

	competitors, appErr := normalizeCompetitors(req.Competitors, target.Hostname())
	if appErr != nil {
		return appErr
	}
	req.Competitors = competitors

	if len(req.IndustryContext) > maxIndustryContextLen {
		return errors.ValidationError("industry_context",
			"must be at most "+strconv.Itoa(maxIndustryContextLen)+" characters")
	}
	lowered := strings.ToLower(req.IndustryContext)
	for _, pattern := range injectionPatterns {
		if strings.Contains(lowered, pattern) {
			return errors.ValidationError("industry_context", "contains a disallowed phrase")
		}
	}

	return nil
}

// validateTargetURL enforces the transport rules on the main URL.
func validateTargetURL(raw string) (*url.URL, *errors.AppError) {
	if raw == "" {
		return nil, errors.ValidationError("url", "is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, errors.ValidationError("url", "is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.ValidationError("url", "scheme must be http or https")
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, errors.ValidationError("url", "is missing a hostname")
	}
	if !publicHostname(host) {
		return nil, errors.ValidationError("url", "hostname must be publicly reachable")
	}
	return parsed, nil
}

// publicHostname rejects loopback, link-local, private-range and cloud
// metadata hosts. Names are checked literally; only IP literals get the
// range checks, DNS resolution stays out of the request path.
func publicHostname(host string) bool {
	lowered := strings.ToLower(host)
	if lowered == "localhost" || strings.HasSuffix(lowered, ".localhost") {
		return false
	}
	if lowered == "metadata.google.internal" || strings.HasSuffix(lowered, ".internal") {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// normalizeCompetitors dedupes by hostname, drops the target itself and
// rejects anything that fails the same transport rules as the main URL.
func normalizeCompetitors(raw []string, targetHost string) ([]string, *errors.AppError) {
	seen := make(map[string]bool)
	out := make([]string, 0, len(raw))
	for _, competitor := range raw {
		competitor = strings.TrimSpace(competitor)
		if competitor == "" {
			continue
		}
		parsed, appErr := validateTargetURL(competitor)
		if appErr != nil {
			return nil, errors.ValidationError("competitors", appErr.Message)
		}
		host := strings.ToLower(parsed.Hostname())
		if host == strings.ToLower(targetHost) || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, competitor)
	}
	if len(out) > maxCompetitors {
		return nil, errors.ValidationError("competitors",
			"at most "+strconv.Itoa(maxCompetitors)+" competitor URLs are allowed")
	}
	return out, nil
}
