package jobqueue

import (
	"encoding/json"
	"strings"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// envelope is the stored job document.
type envelope struct {
	Payload     json.RawMessage `json:"payload"`
	Correlation json.RawMessage `json:"correlation"`
}

func encodeEnvelope(payload any, corr crawler.Correlation) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, crawler.NewError(crawler.CodeValidationFail, "encode payload", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	c, err := json.Marshal(corr)
	if err != nil {
		return nil, crawler.NewError(crawler.CodeValidationFail, "encode correlation", err)
	}
	return json.Marshal(envelope{Payload: raw, Correlation: c})
}

// decodeEnvelope splits stored job data. The returned code is empty when
// the correlation is usable.
func decodeEnvelope(data []byte) (json.RawMessage, crawler.Correlation, crawler.ErrorCode) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, crawler.Correlation{}, crawler.CodeMissingCorrelation
	}
	corr, code := decodeCorrelation(env.Correlation)
	return env.Payload, corr, code
}

func decodeCorrelation(raw json.RawMessage) (crawler.Correlation, crawler.ErrorCode) {
	var fields map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil || fields == nil {
		return crawler.Correlation{}, crawler.CodeMissingCorrelation
	}
	customerID, _ := fields["customerId"].(string)
	if strings.TrimSpace(customerID) == "" {
		return crawler.Correlation{}, crawler.CodeMissingCustomerID
	}
	corr := crawler.Correlation{CustomerID: customerID}
	corr.DataSourceID, _ = fields["dataSourceId"].(string)
	corr.RunID, _ = fields["runId"].(string)
	return corr, ""
}

// ValidateCorrelation checks a correlation before it is enqueued.
func ValidateCorrelation(corr crawler.Correlation) error {
	if strings.TrimSpace(corr.CustomerID) == "" {
		return crawler.Errorf(crawler.CodeMissingCustomerID, "validate correlation", "customerId is required")
	}
	return nil
}
