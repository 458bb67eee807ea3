package shipment

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL is how long a fetched export is served before refetching.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultFetchTimeout bounds one export download.
	DefaultFetchTimeout = 30 * time.Second

	// missRefreshInterval limits refetches triggered by unknown keys.
	missRefreshInterval = 15 * time.Second

	maxExportBytes = 64 << 20
)

// CSVSource reads shipments from a query-results CSV export (Redash
// /api/queries/{id}/results.csv) and caches the parsed rows. Lookups never
// wait on a download while the cache is fresh; concurrent refreshes share
// one download.
type CSVSource struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	cache   atomic.Pointer[export]
	refresh singleflight.Group
}

// export is one parsed download. It is never modified once published.
type export struct {
	byKey     map[string]*Shipment
	rows      []*Shipment
	fetchedAt time.Time
}

// NewCSVSource creates a source for exportURL. A non-empty apiKey is added
// as the api_key query parameter. A nil client gets DefaultFetchTimeout.
func NewCSVSource(exportURL, apiKey string, client *http.Client) (*CSVSource, error) {
	u, err := url.Parse(exportURL)
	if err != nil {
		return nil, fmt.Errorf("parse shipments URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("shipments URL must be http(s), got %q", u.Scheme)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("api_key", apiKey)
		u.RawQuery = q.Encode()
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &CSVSource{
		url:    u.String(),
		client: client,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
	}, nil
}

// Get implements Lookup. An unknown key triggers one early refetch (rate
// limited) in case the cached export is stale.
func (c *CSVSource) Get(ctx context.Context, key string) (*Shipment, error) {
	exp, err := c.load(ctx, c.ttl)
	if err != nil {
		return nil, err
	}
	if sh, ok := exp.byKey[key]; ok {
		return sh, nil
	}
	exp, err = c.load(ctx, missRefreshInterval)
	if err != nil {
		return nil, err
	}
	if sh, ok := exp.byKey[key]; ok {
		return sh, nil
	}
	return nil, ErrNotFound
}

// All returns every row of the export in source order.
func (c *CSVSource) All(ctx context.Context) ([]*Shipment, error) {
	exp, err := c.load(ctx, c.ttl)
	if err != nil {
		return nil, err
	}
	out := make([]*Shipment, len(exp.rows))
	copy(out, exp.rows)
	return out, nil
}

// AtDropOff returns the shipments currently waiting for a POD.
func (c *CSVSource) AtDropOff(ctx context.Context) ([]*Shipment, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Shipment
	for _, sh := range all {
		if sh.Status == StatusAtDropOff {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (c *CSVSource) fresh(maxAge time.Duration) *export {
	if exp := c.cache.Load(); exp != nil && c.now().Sub(exp.fetchedAt) < maxAge {
		return exp
	}
	return nil
}

// load returns the cached export, downloading it first when it is older
// than maxAge. A failed download falls back to the previous export.
func (c *CSVSource) load(ctx context.Context, maxAge time.Duration) (*export, error) {
	if exp := c.fresh(maxAge); exp != nil {
		return exp, nil
	}

	// The download outlives a caller that gives up; others may be waiting on it.
	ch := c.refresh.DoChan("export", func() (any, error) {
		if exp := c.fresh(maxAge); exp != nil {
			return exp, nil
		}
		return c.download(context.WithoutCancel(ctx))
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		if prev := c.cache.Load(); prev != nil {
			log.Warn().Err(res.Err).
				Time("fetchedAt", prev.fetchedAt).
				Msg("Shipments refresh failed, serving cached export")
			return prev, nil
		}
		return nil, res.Err
	}
	return res.Val.(*export), nil
}

func (c *CSVSource) download(ctx context.Context) (*export, error) {
	start := time.Now()
	rows, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*Shipment, len(rows))
	for _, sh := range rows {
		if _, dup := byKey[sh.Key]; !dup {
			byKey[sh.Key] = sh
		}
	}
	exp := &export{rows: rows, byKey: byKey, fetchedAt: c.now()}
	c.cache.Store(exp)

	log.Debug().
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).
		Msg("Shipments export fetched")
	return exp, nil
}

func (c *CSVSource) fetch(ctx context.Context) ([]*Shipment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build shipments request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch shipments: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch shipments: unexpected status %d", resp.StatusCode)
	}
	rows, err := ParseCSV(io.LimitReader(resp.Body, maxExportBytes))
	if err != nil {
		return nil, fmt.Errorf("parse shipments: %w", err)
	}
	return rows, nil
}

// redactURLError drops the request URL, which carries the API key.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// ParseCSV reads a shipments export. Columns are matched by header name;
// a key column is required, every other column is optional.
func ParseCSV(r io.Reader) ([]*Shipment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty export")
		}
		return nil, err
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := col["key"]; !ok {
		return nil, errors.New("export has no key column")
	}

	var rows []*Shipment
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		field := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		sh := &Shipment{
			Key:             field("key"),
			JobKey:          field("job_key"),
			Status:          field("status"),
			Carrier:         field("carrier"),
			CarrierMobile:   field("carrier_mobile"),
			VehiclePlate:    field("vehicle_plate"),
			Shipper:         field("shipper"),
			Entity:          field("entity"),
			PickupCity:      field("pickup_city"),
			DestinationCity: field("destination_city"),
			Commodity:       field("commodity"),
			Weight:          field("weight"),
		}
		if sh.Key == "" {
			continue
		}
		rows = append(rows, sh)
	}
	return rows, nil
}
