package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

const maxExportBytes = 32 << 20

// Column positions in the two HTML exports.
const (
	primaryVendorCol = 1
	primaryCodeCol   = 9
	primaryNameCol   = 10
	primarySpecCol   = 11

	secondaryCodeCol = 0
	secondaryUnitCol = 3
)

// HTMLConfig describes the two HTML table exports.
type HTMLConfig struct {
	// PrimaryURL lists the products. {today} and {store} are substituted.
	PrimaryURL string
	// SecondaryURL lists units keyed by product code.
	SecondaryURL string
	// VendorTag filters primary rows on their vendor column.
	VendorTag string
}

// HTMLSource scrapes the product catalog from HTML table exports.
type HTMLSource struct {
	cfg    HTMLConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTMLSource constructs HTMLSource. A nil client uses http.DefaultClient.
func NewHTMLSource(cfg HTMLConfig, client *http.Client, logger *slog.Logger) *HTMLSource {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTMLSource{cfg: cfg, client: client, logger: logger}
}

// Fetch downloads both exports concurrently and joins units onto products.
func (s *HTMLSource) Fetch(ctx context.Context, storeID string, asOf time.Time) ([]Row, error) {
	if s.cfg.PrimaryURL == "" {
		return nil, fmt.Errorf("%w: primary url not configured", ErrUpstream)
	}
	primaryURL := strings.NewReplacer(
		"{today}", asOf.Format(time.DateOnly),
		"{store}", storeID,
	).Replace(s.cfg.PrimaryURL)

	var (
		rows  []Row
		units map[string]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := s.load(gctx, primaryURL)
		if err != nil {
			return err
		}
		rows = s.parsePrimary(doc)
		return nil
	})
	if s.cfg.SecondaryURL != "" {
		g.Go(func() error {
			doc, err := s.load(gctx, s.cfg.SecondaryURL)
			if err != nil {
				return err
			}
			units = parseUnits(doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range rows {
		if unit, ok := units[rows[i].ProductCode]; ok && unit != "" {
			rows[i].Unit = unit
		}
	}
	s.logger.Info("catalog fetched",
		slog.String("store", storeID),
		slog.Int("products", len(rows)),
		slog.Int("units", len(units)))
	return rows, nil
}

func (s *HTMLSource) load(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, req.URL.Host, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxExportBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: parse export: %v", ErrUpstream, err)
	}
	return doc, nil
}

func (s *HTMLSource) parsePrimary(doc *goquery.Document) []Row {
	var rows []Row
	eachDataRow(doc, func(cells []string) {
		if len(cells) <= 3 || cell(cells, primaryVendorCol) != s.cfg.VendorTag {
			return
		}
		rows = append(rows, Row{
			VendorTag:   cell(cells, primaryVendorCol),
			ProductCode: cell(cells, primaryCodeCol),
			ProductName: cell(cells, primaryNameCol),
			Spec:        cell(cells, primarySpecCol),
		})
	})
	return rows
}

func parseUnits(doc *goquery.Document) map[string]string {
	units := make(map[string]string)
	eachDataRow(doc, func(cells []string) {
		if len(cells) <= 3 {
			return
		}
		units[cell(cells, secondaryCodeCol)] = cell(cells, secondaryUnitCol)
	})
	return units
}

// eachDataRow visits every table row after the header with trimmed cell texts.
func eachDataRow(doc *goquery.Document, fn func(cells []string)) {
	doc.Find("table tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return
		}
		fn(tr.Find("td").Map(func(_ int, td *goquery.Selection) string {
			return strings.TrimSpace(td.Text())
		}))
	})
}

func cell(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}
