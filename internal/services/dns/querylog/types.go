package querylog

import "time"

// Entry represents a single DNS query log entry
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"client_ip"`
	Domain     string    `json:"domain"`
	Type       string    `json:"type"`  // A, AAAA, etc.
	RCode      string    `json:"rcode"` // NOERROR, NXDOMAIN
	Upstream   string    `json:"upstream,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Blocked    bool      `json:"blocked"`
	BlockList  string    `json:"blocklist,omitempty"`

	// FlowID and Answers round out the per-query metric record the DNS
	// Resolution Chain emits (spec §4.7): which flow the query
	// belonged to, and the resolved addresses returned to the client.
	FlowID  int      `json:"flow_id"`
	Answers []string `json:"answers,omitempty"`
}

// SortKey is one of the documented query-log sort fields (spec §4.7
// metric sink: "time window, domain contains, src_ip, sort key ∈
// {time, domain, duration}").
type SortKey string

const (
	SortByTime     SortKey = "time"
	SortByDomain   SortKey = "domain"
	SortByDuration SortKey = "duration"
)

// QueryParams filters GetRecentLogs-style reads per the documented
// query-log surface.
type QueryParams struct {
	From            time.Time
	To              time.Time
	DomainContains  string
	SrcIP           string
	Sort            SortKey
	Limit, Offset   int
}

// Stats represents aggregated DNS statistics
type Stats struct {
	TotalQueries   int64        `json:"total_queries"`
	BlockedQueries int64        `json:"blocked_queries"`
	TopDomains     []DomainStat `json:"top_domains"`
	TopClients     []ClientStat `json:"top_clients"`
	TopBlocked     []DomainStat `json:"top_blocked"`
}

type DomainStat struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

type ClientStat struct {
	ClientIP string `json:"client_ip"`
	Count    int64  `json:"count"`
}
