package ringba

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ValueColumns are the call-log columns requested on every page.
var ValueColumns = []string{
	"inboundCallId",
	"callDt",
	"inboundPhoneNumber",
	"buyer",
	"callLengthInSeconds",
	"campaignId",
	"campaignName",
	"publisherId",
	"conversionAmount",
	"payoutAmount",
	"recordingUrl",
}

// Record is one call-log row. Raw keeps the full source object.
type Record struct {
	InboundCallID       string    `json:"inboundCallId"`
	CallDt              Timestamp `json:"callDt"`
	InboundPhoneNumber  string    `json:"inboundPhoneNumber"`
	Buyer               string    `json:"buyer"`
	CallLengthInSeconds *Number   `json:"callLengthInSeconds"`
	CampaignID          string    `json:"campaignId"`
	CampaignName        string    `json:"campaignName"`
	PublisherID         string    `json:"publisherId"`
	ConversionAmount    *Number   `json:"conversionAmount"`
	PayoutAmount        *Number   `json:"payoutAmount"`
	RecordingURL        string    `json:"recordingUrl"`

	Raw json.RawMessage `json:"-"`
}

// Timestamp accepts either epoch milliseconds or an ISO-8601 string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return eris.Wrapf(err, "ringba: parse callDt %s", b)
		}
		t.Time = time.UnixMilli(int64(ms)).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "ringba: decode callDt")
	}
	if s == "" {
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses the date formats the API and operators use. Values without
// a zone are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("ringba: unrecognized time %q", s)
}

// Number decodes numeric fields that may arrive as JSON numbers or strings.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return eris.Wrapf(err, "ringba: parse number %s", b)
	}
	*n = Number(f)
	return nil
}

// Float returns the value or 0 when absent.
func (n *Number) Float() float64 {
	if n == nil {
		return 0
	}
	return float64(*n)
}

// Int returns the value truncated to an int, or 0 when absent.
func (n *Number) Int() int {
	return int(n.Float())
}
