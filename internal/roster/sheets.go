package roster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/rollcall/backend/internal/apperr"
)

// SheetsGrid is a Grid backed by the Google Sheets API.
type SheetsGrid struct {
	values *sheets.SpreadsheetsValuesService
}

var _ Grid = (*SheetsGrid)(nil)

// NewSheetsGrid creates a Sheets client from service account credentials.
func NewSheetsGrid(ctx context.Context, credentialsJSON []byte, opts ...option.ClientOption) (*SheetsGrid, error) {
	opts = append([]option.ClientOption{
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(sheets.SpreadsheetsScope),
	}, opts...)
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsGrid{values: svc.Spreadsheets.Values}, nil
}

// ReadRows implements Grid.
func (g *SheetsGrid) ReadRows(ctx context.Context, sheetID, tab string) ([][]string, error) {
	resp, err := g.values.Get(sheetID, quoteTab(tab)).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError(err, "read roster")
	}
	return toStrings(resp.Values), nil
}

// ReadRow implements Grid.
func (g *SheetsGrid) ReadRow(ctx context.Context, sheetID, tab string, row int) ([]string, error) {
	n := strconv.Itoa(row + 1)
	resp, err := g.values.Get(sheetID, quoteTab(tab)+"!"+n+":"+n).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError(err, "read roster row")
	}
	rows := toStrings(resp.Values)
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// WriteCells implements Grid with a single values batch update.
func (g *SheetsGrid) WriteCells(ctx context.Context, sheetID, tab string, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	data := make([]*sheets.ValueRange, 0, len(cells))
	for _, c := range cells {
		data = append(data, &sheets.ValueRange{
			Range:  A1(tab, c.Row, c.Col),
			Values: [][]interface{}{{c.Value}},
		})
	}
	req := &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}
	if _, err := g.values.BatchUpdate(sheetID, req).Context(ctx).Do(); err != nil {
		return classifyAPIError(err, "write roster")
	}
	return nil
}

func toStrings(values [][]interface{}) [][]string {
	out := make([][]string, len(values))
	for i, row := range values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			if v != nil {
				out[i][j] = fmt.Sprint(v)
			}
		}
	}
	return out
}

// classifyAPIError marks quota, server and network failures as transient.
func classifyAPIError(err error, op string) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return apperr.Transient(err, op)
		case http.StatusNotFound:
			return apperr.Wrap(err, apperr.KindNotFound, apperr.CodeNotFound, op+": roster not found")
		}
		return apperr.Internal(err, op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err, op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(err, op)
	}
	return apperr.Internal(err, op)
}
