package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cropwatch/cropwatch/internal/config"
)

// HTTPJSON fetches a JSON document of the form
//
//	{"period": "...", "partial": false, "rows": [{...}, ...]}
//
// and extracts row keys and the key metric from configured field names.
// It is the one in-tree Collector; source-specific parsing stays outside
// the core.
type HTTPJSON struct {
	url         string
	keyField    string
	metricField string
	client      *http.Client
}

// NewHTTPJSON builds a collector from its config entry.
func NewHTTPJSON(col config.Collector) *HTTPJSON {
	return &HTTPJSON{
		url:         col.URL,
		keyField:    col.KeyField,
		metricField: col.MetricField,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

type httpJSONPayload struct {
	Period  string           `json:"period"`
	Partial bool             `json:"partial"`
	Reason  string           `json:"reason"`
	Rows    []map[string]any `json:"rows"`
}

// Collect performs one fetch. Network and HTTP errors are transient and
// retryable; an unparseable body is ErrBadData and is not.
func (h *HTTPJSON) Collect(ctx context.Context) (*Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "cropwatch/1.0 (market data watch)")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload httpJSONPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}

	out := &Outcome{Period: payload.Period}
	if payload.Partial {
		out.PartialReason = payload.Reason
		if out.PartialReason == "" {
			out.PartialReason = "source reported partial data"
		}
	}

	for i, row := range payload.Rows {
		rec := Record{}
		if h.keyField != "" {
			key, ok := row[h.keyField].(string)
			if !ok {
				return nil, fmt.Errorf("%w: row %d missing key field %q", ErrBadData, i, h.keyField)
			}
			rec.Key = key
		} else {
			rec.Key = fmt.Sprintf("row-%d", i)
		}
		if h.metricField != "" {
			if v, ok := row[h.metricField].(float64); ok {
				rec.Metric = &v
			}
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.code, http.StatusText(e.code))
}

