package schemas

import (
	"time"
)

// -- HAR (HTTP Archive) Schemas --

// HAR is the root of the HTTP Archive format the traffic capture writes as
// a per-session artifact. See http://www.softwareishard.com/blog/har-1-2-spec/.
type HAR struct {
	Log HARLog `json:"log"`
}

// HARLog holds the creator metadata and every recorded exchange.
type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

// HARCreator identifies the tool that produced the archive.
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HAREntry is one request/response pair observed by the capture proxy.
type HAREntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            float64     `json:"time"` // total exchange duration in milliseconds
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
}

// HARRequest describes the outbound half of an exchange.
type HARRequest struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion"`
	Headers     []NVPair `json:"headers"`
	HeadersSize int64    `json:"headersSize"`
	BodySize    int64    `json:"bodySize"`
}

// HARResponse describes the inbound half. Content text is populated only
// for textual MIME types and is truncated by the capture's body cap.
type HARResponse struct {
	Status      int        `json:"status"`
	StatusText  string     `json:"statusText"`
	HTTPVersion string     `json:"httpVersion"`
	Headers     []NVPair   `json:"headers"`
	Content     HARContent `json:"content"`
	RedirectURL string     `json:"redirectURL"`
	HeadersSize int64      `json:"headersSize"`
	BodySize    int64      `json:"bodySize"`
}

// HARContent describes a response body.
type HARContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// NVPair is a name-value pair for headers and query strings.
type NVPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewHAR initializes an empty archive tagged with this tool's identity.
func NewHAR(version string) *HAR {
	return &HAR{
		Log: HARLog{
			Version: "1.2",
			Creator: HARCreator{Name: "visor-cli", Version: version},
			Entries: make([]HAREntry, 0),
		},
	}
}
