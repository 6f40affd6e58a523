package services

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"wrts/internal/core/ports"
)

// CMCDMode selects how client metrics ride on requests.
type CMCDMode int

const (
	CMCDOff CMCDMode = iota
	CMCDQuery
	CMCDHeaders
)

// CMCDInfo is the per-request metric snapshot.
type CMCDInfo struct {
	BitrateKbps    int
	BufferLengthMs int64
	ThroughputKbps int
	PlaybackRate   float64
	BufferEmpty    bool   // startup / drained buffer
	ObjectType     string // "a", "v" or "other"
	DeadlineMs     int64
}

// CMCD builds Common Media Client Data payloads. The buffer-starvation flag
// is sticky: set on stall, cleared after the first successful request.
type CMCD struct {
	mode CMCDMode
	full bool
	sid  string
	cid  string

	mu      sync.Mutex
	starved bool
}

// NewCMCD creates a builder with a fresh session id.
func NewCMCD(mode CMCDMode, full bool, contentID string) *CMCD {
	return &CMCD{
		mode: mode,
		full: full,
		sid:  uuid.NewString(),
		cid:  contentID,
	}
}

// SessionID returns the CMCD session id.
func (c *CMCD) SessionID() string { return c.sid }

// NoteStall marks buffer starvation until the next successful request.
func (c *CMCD) NoteStall() {
	c.mu.Lock()
	c.starved = true
	c.mu.Unlock()
}

// NoteSuccess clears the starvation flag.
func (c *CMCD) NoteSuccess() {
	c.mu.Lock()
	c.starved = false
	c.mu.Unlock()
}

// Apply attaches the metrics to a request, either as the cmcd query
// parameter or as CMCD headers.
func (c *CMCD) Apply(req *ports.Request, info CMCDInfo) {
	if c.mode == CMCDOff {
		return
	}

	c.mu.Lock()
	starved := c.starved
	c.mu.Unlock()

	pairs := map[string]string{
		"br":  fmt.Sprintf("%d", info.BitrateKbps),
		"bl":  fmt.Sprintf("%d", info.BufferLengthMs),
		"mtp": fmt.Sprintf("%d", info.ThroughputKbps),
		"pr":  strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", info.PlaybackRate), "0"), "."),
		"sf":  "o",
		"sid": fmt.Sprintf("%q", c.sid),
	}
	if starved {
		pairs["bs"] = ""
	}
	if info.BufferEmpty {
		pairs["su"] = ""
	}
	if c.full {
		pairs["ot"] = info.ObjectType
		pairs["st"] = "l"
		pairs["v"] = "1"
		if c.cid != "" {
			pairs["cid"] = fmt.Sprintf("%q", c.cid)
		}
		if info.DeadlineMs > 0 {
			pairs["dl"] = fmt.Sprintf("%d", info.DeadlineMs)
		}
	}

	if c.mode == CMCDQuery {
		u, err := url.Parse(req.URL)
		if err != nil {
			return
		}
		q := u.Query()
		q.Set("cmcd", encodeCMCD(pairs))
		u.RawQuery = q.Encode()
		req.URL = u.String()
		return
	}

	groups := map[string][]string{}
	for k, v := range pairs {
		h := headerFor(k)
		groups[h] = append(groups[h], formatPair(k, v))
	}
	for h, kv := range groups {
		sort.Strings(kv)
		req.Header.Set(h, strings.Join(kv, ","))
	}
}

// encodeCMCD renders the single-parameter form, keys sorted.
func encodeCMCD(pairs map[string]string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, formatPair(k, pairs[k]))
	}
	return strings.Join(parts, ",")
}

func formatPair(k, v string) string {
	if v == "" {
		return k // boolean keys carry no value
	}
	return k + "=" + v
}

// headerFor maps a CMCD key to its header group.
func headerFor(key string) string {
	switch key {
	case "bl", "dl", "mtp", "su":
		return "CMCD-Request"
	case "br", "ot":
		return "CMCD-Object"
	case "bs", "pr":
		return "CMCD-Status"
	default:
		return "CMCD-Session"
	}
}
