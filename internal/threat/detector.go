package threat

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// RiskLevel grades a request. Medium risk does not block but forces
// payload encryption downstream.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// suspicionThreshold is the number of suspicious events after which an IP
// is escalated to the blacklist.
const suspicionThreshold = 5

// Verdict is the outcome of request analysis.
type Verdict struct {
	Blocked   bool
	Reason    string
	RiskLevel RiskLevel
}

// family is one named group of attack patterns.
type family struct {
	name     string
	patterns []*regexp.Regexp
}

// Bounded patterns only: no nested quantifiers, no unbounded backtracking.
var families = []family{
	{
		name: "sql_injection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`),
			regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop)\b.{0,40}\b(from|into|table|where)\b`),
			regexp.MustCompile(`(?i)('|")\s*(or|and)\s+\d+\s*=\s*\d+`),
			regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\b`),
		},
	},
	{
		name: "xss",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<script[^>]{0,80}>`),
			regexp.MustCompile(`(?i)javascript\s*:`),
			regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
		},
	},
	{
		name: "path_traversal",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\.\./|\.\.\\`),
			regexp.MustCompile(`(?i)%2e%2e[%/\\]`),
			regexp.MustCompile(`(?i)/etc/(passwd|shadow)\b`),
		},
	},
	{
		name: "command_injection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)[;&|]\s*(rm|curl|wget|nc|bash|sh|python)\b`),
			regexp.MustCompile("`[^`]{0,120}`"),
			regexp.MustCompile(`\$\([^)]{0,120}\)`),
		},
	},
}

// scriptedAgents are user-agent fragments typical of automation tooling.
var scriptedAgents = []string{"curl/", "python-requests", "wget/", "go-http-client", "libwww"}

// Detector classifies inbound requests by payload patterns, IP reputation,
// and header heuristics. State is in-memory and resets on restart.
type Detector struct {
	mu        sync.Mutex
	blacklist map[string]bool
	suspicion map[string]int
}

// NewDetector creates a Detector with an optional static blacklist.
func NewDetector(blacklist []string) *Detector {
	bl := make(map[string]bool, len(blacklist))
	for _, ip := range blacklist {
		bl[ip] = true
	}
	return &Detector{
		blacklist: bl,
		suspicion: make(map[string]int),
	}
}

// AnalyzeRequest inspects one request. Order: IP reputation (hard block),
// payload pattern scan (block + suspicion), header heuristics (risk
// elevation only).
func (d *Detector) AnalyzeRequest(ip, payload string, headers map[string]string) Verdict {
	d.mu.Lock()
	if d.blacklist[ip] {
		d.mu.Unlock()
		return Verdict{Blocked: true, Reason: "ip blacklisted", RiskLevel: RiskHigh}
	}
	d.mu.Unlock()

	if fam, pat := scanPayload(payload); fam != "" {
		d.recordSuspicion(ip)
		return Verdict{
			Blocked:   true,
			Reason:    fmt.Sprintf("%s pattern matched: %s", fam, pat),
			RiskLevel: RiskHigh,
		}
	}

	if reason := headerHeuristics(headers); reason != "" {
		return Verdict{RiskLevel: RiskMedium, Reason: reason}
	}

	return Verdict{RiskLevel: RiskLow}
}

// IsBlacklisted reports whether an IP is currently blocked.
func (d *Detector) IsBlacklisted(ip string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blacklist[ip]
}

// SuspicionCount returns the current suspicion counter for an IP.
func (d *Detector) SuspicionCount(ip string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspicion[ip]
}

func (d *Detector) recordSuspicion(ip string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspicion[ip]++
	if d.suspicion[ip] >= suspicionThreshold {
		d.blacklist[ip] = true
	}
}

func scanPayload(payload string) (familyName, pattern string) {
	if payload == "" {
		return "", ""
	}
	for _, f := range families {
		for _, re := range f.patterns {
			if re.MatchString(payload) {
				return f.name, re.String()
			}
		}
	}
	return "", ""
}

// headerHeuristics returns a non-empty reason when the headers look
// scripted or proxied. Elevation only, never a block by itself.
func headerHeuristics(headers map[string]string) string {
	if headers == nil {
		return ""
	}

	if xff := headerGet(headers, "X-Forwarded-For"); xff != "" {
		if strings.Count(xff, ",") >= 2 {
			return "multi-hop proxy chain"
		}
	}

	ua := strings.ToLower(headerGet(headers, "User-Agent"))
	for _, frag := range scriptedAgents {
		if strings.Contains(ua, frag) {
			return "scripted user agent"
		}
	}

	if accept, ok := headerLookup(headers, "Accept"); ok && accept == "" {
		return "empty accept header"
	}

	return ""
}

func headerGet(headers map[string]string, name string) string {
	v, _ := headerLookup(headers, name)
	return v
}

func headerLookup(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
