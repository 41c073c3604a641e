package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rateswap/core/num"
	"rateswap/native/oracle"
	"rateswap/services/ratekeeperd/config"
)

const maxResponseBytes = 1 << 20

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(src config.Source) (oracle.Source, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		return nil, fmt.Errorf("source name required")
	}
	switch strings.ToLower(strings.TrimSpace(src.Type)) {
	case "http":
		return newHTTPSource(r.client(), name, src)
	case "static":
		rate, err := num.DecimalFromString(src.Rate)
		if err != nil {
			return nil, fmt.Errorf("source %s: parse rate %q: %w", name, src.Rate, err)
		}
		return oracle.StaticSource{SourceName: name, Value: rate}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

// BuildAll builds every configured source in order.
func (r *Registry) BuildAll(srcs []config.Source) ([]oracle.Source, error) {
	out := make([]oracle.Source, 0, len(srcs))
	for _, src := range srcs {
		built, err := r.Build(src)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// httpSource reads a rate from a JSON document. Field is a dot separated path
// into the document; Scale divides the value, so a feed quoting percent uses
// scale 100.
type httpSource struct {
	name     string
	endpoint string
	path     []string
	scale    num.Decimal
	timeout  time.Duration
	client   *http.Client
}

func newHTTPSource(client *http.Client, name string, src config.Source) (*httpSource, error) {
	endpoint := strings.TrimSpace(src.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("source %s: endpoint required", name)
	}
	field := strings.TrimSpace(src.Field)
	if field == "" {
		field = "rate"
	}
	scale := num.DecimalFromInt64(1)
	if raw := strings.TrimSpace(src.Scale); raw != "" {
		parsed, err := num.DecimalFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("source %s: parse scale %q: %w", name, raw, err)
		}
		if !parsed.IsPositive() {
			return nil, fmt.Errorf("source %s: scale must be positive", name)
		}
		scale = parsed
	}
	return &httpSource{
		name:     name,
		endpoint: endpoint,
		path:     strings.Split(field, "."),
		scale:    scale,
		timeout:  src.Timeout.Duration,
		client:   client,
	}, nil
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Rate(ctx context.Context) (num.Decimal, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return num.DecimalZero, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return num.DecimalZero, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return num.DecimalZero, fmt.Errorf("fetch %s: unexpected status %d", s.name, resp.StatusCode)
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return num.DecimalZero, fmt.Errorf("decode %s: %w", s.name, err)
	}
	value, err := lookup(doc, s.path)
	if err != nil {
		return num.DecimalZero, fmt.Errorf("source %s: %w", s.name, err)
	}
	return value.Div(s.scale), nil
}

func lookup(doc any, path []string) (num.Decimal, error) {
	cur := doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return num.DecimalZero, fmt.Errorf("field %q: not an object", key)
		}
		if cur, ok = obj[key]; !ok {
			return num.DecimalZero, fmt.Errorf("field %q missing", key)
		}
	}
	switch v := cur.(type) {
	case json.Number:
		return num.DecimalFromString(v.String())
	case string:
		return num.DecimalFromString(v)
	default:
		return num.DecimalZero, fmt.Errorf("field %q: unsupported value %T", strings.Join(path, "."), cur)
	}
}
