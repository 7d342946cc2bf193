package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/shopspring/decimal"
)

// Layouts tried, in order, after the configured one.
var defaultLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"02/01/2006 15:04:05",
}

// CSVOptions control how rows are interpreted.
type CSVOptions struct {
	// Location for timestamps without a zone offset.
	Location *time.Location
	// TimeFormat is tried before the built-in layouts.
	TimeFormat string
	// Security overrides both the security column and the file name.
	Security string
}

type columns struct {
	timestamp, kind, price, volume, security int
}

// CSVSource reads "timestamp,type,price,volume[,security]" files. Header names
// are matched loosely (Dates/Date/Time, Type, *price*, Size/Qty/Volume,
// Security/Symbol/Ticker).
//
// Unparseable cells are not errors: they produce events that fail
// validation, so the engine can count them.
type CSVSource struct {
	path     string
	security string
	file     *os.File
	reader   *csv.Reader
	cols     columns
	loc      *time.Location
	layouts  []string
}

func OpenCSV(path string, opts CSVOptions) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	layouts := defaultLayouts
	if opts.TimeFormat != "" {
		layouts = append([]string{opts.TimeFormat}, defaultLayouts...)
	}

	security := opts.Security
	if security == "" && cols.security < 0 {
		security = SecurityFromPath(path)
	}

	return &CSVSource{
		path:     path,
		security: security,
		file:     f,
		reader:   r,
		cols:     cols,
		loc:      loc,
		layouts:  layouts,
	}, nil
}

func mapColumns(header []string) (columns, error) {
	c := columns{timestamp: -1, kind: -1, price: -1, volume: -1, security: -1}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch {
		case name == "timestamp" || name == "dates" || name == "date" || name == "time" || name == "datetime":
			c.timestamp = i
		case name == "type" || name == "kind" || name == "event":
			c.kind = i
		case strings.Contains(name, "price"):
			c.price = i
		case name == "size" || name == "vol" || name == "volume" || name == "qty" || name == "quantity":
			c.volume = i
		case name == "security" || name == "symbol" || name == "ticker":
			c.security = i
		}
	}
	var missing []string
	if c.timestamp < 0 {
		missing = append(missing, "timestamp")
	}
	if c.kind < 0 {
		missing = append(missing, "type")
	}
	if c.price < 0 {
		missing = append(missing, "price")
	}
	if c.volume < 0 {
		missing = append(missing, "volume")
	}
	if len(missing) > 0 {
		return c, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

func (s *CSVSource) Name() string { return s.path }

func (s *CSVSource) Next(ctx context.Context, n int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 1
	}

	batch := make([]models.Event, 0, n)
	for len(batch) < n {
		rec, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				// A structurally broken row still counts as an event seen.
				batch = append(batch, models.Event{Security: s.security})
				continue
			}
			return batch, fmt.Errorf("failed to read %s: %w", s.path, err)
		}
		batch = append(batch, s.parse(rec))
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (s *CSVSource) parse(rec []string) models.Event {
	ev := models.Event{
		Security:  s.security,
		Timestamp: s.parseTime(cell(rec, s.cols.timestamp)),
		Kind:      models.ParseEventKind(cell(rec, s.cols.kind)),
	}
	if ev.Security == "" {
		ev.Security = strings.ToUpper(cell(rec, s.cols.security))
	}
	if p, err := decimal.NewFromString(cell(rec, s.cols.price)); err == nil {
		ev.Price = p
	}
	ev.Volume = -1
	if v, err := decimal.NewFromString(cell(rec, s.cols.volume)); err == nil && v.Equal(v.Truncate(0)) {
		ev.Volume = v.IntPart()
	}
	return ev
}

func (s *CSVSource) parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range s.layouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (s *CSVSource) Close() error {
	return s.file.Close()
}
