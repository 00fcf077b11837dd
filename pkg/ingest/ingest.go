// Package ingest loads daily-record streams from CSV files.
//
// The expected layout is one row per day with a header naming at least the
// date column. Recognized headers (case-insensitive):
//
//	date, intake_kcal, workout_kcal, carbs_g, fat_mass_kg, lean_mass_kg
//
// Empty intake/workout/carbs fields load as 0 (the upstream exporters emit
// blanks for no-entry days); empty body-composition fields load as NaN,
// marking a true measurement gap. Days with no row at all become all-NaN
// rows on the reindexed grid, so they count against window energy coverage
// instead of contributing 0 kcal.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// Column names.
const (
	colDate    = "date"
	colIntake  = "intake_kcal"
	colWorkout = "workout_kcal"
	colCarbs   = "carbs_g"
	colFat     = "fat_mass_kg"
	colLean    = "lean_mass_kg"
)

// LoadFile reads a daily-record CSV from path.
func LoadFile(path string, log *logrus.Logger) ([]series.DailyObservation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, log)
}

// Load reads a daily-record CSV stream. Rows must be ordered by date; the
// result is validated and reindexed onto a dense daily grid.
func Load(r io.Reader, log *logrus.Logger) ([]series.DailyObservation, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := idx[colDate]; !ok {
		return nil, fmt.Errorf("ingest: missing %q column", colDate)
	}

	var obs []series.DailyObservation
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line+1, err)
		}
		line++

		date, err := series.ParseDay(field(rec, idx, colDate))
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		o := series.DailyObservation{
			Date:          date,
			IntakeKcal:    parseZero(field(rec, idx, colIntake)),
			WorkoutKcal:   parseZero(field(rec, idx, colWorkout)),
			CarbsG:        parseZero(field(rec, idx, colCarbs)),
			RawFatMassKg:  parseNaN(field(rec, idx, colFat)),
			RawLeanMassKg: parseNaN(field(rec, idx, colLean)),
		}
		obs = append(obs, o)
	}

	if err := series.Validate(obs); err != nil {
		return nil, err
	}
	dense := series.Reindex(obs)
	log.WithFields(logrus.Fields{
		"rows":  len(obs),
		"days":  len(dense),
		"first": firstDate(dense),
		"last":  lastDate(dense),
	}).Info("daily records loaded")
	return dense, nil
}

func field(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// parseZero maps blanks and unparsable values to 0.
func parseZero(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseNaN maps blanks and unparsable values to the missing marker.
func parseNaN(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func firstDate(obs []series.DailyObservation) string {
	if len(obs) == 0 {
		return ""
	}
	return obs[0].Date.Format(series.DayFormat)
}

func lastDate(obs []series.DailyObservation) string {
	if len(obs) == 0 {
		return ""
	}
	return obs[len(obs)-1].Date.Format(series.DayFormat)
}
