// Package catalog loads product catalog data and maintains the Neo4j
// related-product graph used for recommendation enrichment.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shoplens/shoplens/engine/domain"
)

// productNamespace seeds product IDs derived from titles when the CSV
// has no id column, so re-ingestion maps to the same products.
var productNamespace = uuid.MustParse("5f1d2c8e-9a4b-4c3d-8e7f-6a5b4c3d2e1f")

// LoadCSV reads products from a catalog CSV. Recognized header columns:
// product_id, product_title, review, price, category, in_stock.
// product_title and review are required; a missing product_id is derived
// deterministically from the title. Rows with empty required fields are
// skipped and counted.
func LoadCSV(r io.Reader) ([]domain.Product, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"product_title", "review"} {
		if _, ok := col[required]; !ok {
			return nil, 0, fmt.Errorf("catalog: missing required column %q: %w", required, domain.ErrInvalidInput)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var products []domain.Product
	skipped := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("catalog: read row: %w", err)
		}

		title := field(row, "product_title")
		review := field(row, "review")
		if title == "" || review == "" {
			skipped++
			continue
		}

		id := field(row, "product_id")
		if id == "" {
			id = uuid.NewSHA1(productNamespace, []byte(title)).String()
		}

		p := domain.Product{
			ID:       id,
			Name:     title,
			Content:  review,
			Category: field(row, "category"),
			InStock:  true,
		}
		if v := field(row, "price"); v != "" {
			if price, err := strconv.ParseFloat(v, 64); err == nil {
				p.Price = price
			}
		}
		if v := field(row, "in_stock"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				p.InStock = b
			}
		}

		if err := domain.ValidateProduct(p); err != nil {
			skipped++
			continue
		}
		products = append(products, p)
	}
	return products, skipped, nil
}
