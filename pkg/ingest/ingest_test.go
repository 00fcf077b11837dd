package ingest

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

func TestLoadBasic(t *testing.T) {
	csv := strings.Join([]string{
		"date,intake_kcal,workout_kcal,carbs_g,fat_mass_kg,lean_mass_kg",
		"2024-01-01,2200,300,180,22.4,54.1",
		"2024-01-02,2500,0,220,22.6,54.0",
	}, "\n")

	obs, err := Load(strings.NewReader(csv), nil)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, "2024-01-01", obs[0].Date.Format(series.DayFormat))
	assert.Equal(t, 2200.0, obs[0].IntakeKcal)
	assert.Equal(t, 300.0, obs[0].WorkoutKcal)
	assert.Equal(t, 180.0, obs[0].CarbsG)
	assert.InDelta(t, 22.4, obs[0].RawFatMassKg, 1e-9)
	assert.InDelta(t, 54.0, obs[1].RawLeanMassKg, 1e-9)
}

func TestLoadBlankSemantics(t *testing.T) {
	// Blank energy fields mean "no entry logged" and load as zero; blank
	// body-composition fields mean "no weigh-in" and load as NaN.
	csv := strings.Join([]string{
		"date,intake_kcal,workout_kcal,carbs_g,fat_mass_kg,lean_mass_kg",
		"2024-01-01,,,,,",
	}, "\n")

	obs, err := Load(strings.NewReader(csv), nil)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 0.0, obs[0].IntakeKcal)
	assert.Equal(t, 0.0, obs[0].WorkoutKcal)
	assert.Equal(t, 0.0, obs[0].CarbsG)
	assert.True(t, math.IsNaN(obs[0].RawFatMassKg))
	assert.True(t, math.IsNaN(obs[0].RawLeanMassKg))
}

func TestLoadReindexesGaps(t *testing.T) {
	csv := strings.Join([]string{
		"date,intake_kcal,fat_mass_kg",
		"2024-01-01,2200,22.4",
		"2024-01-04,2400,22.6",
	}, "\n")

	obs, err := Load(strings.NewReader(csv), nil)
	require.NoError(t, err)
	require.Len(t, obs, 4)
	assert.Equal(t, "2024-01-02", obs[1].Date.Format(series.DayFormat))
	assert.True(t, math.IsNaN(obs[1].RawFatMassKg))
	// Absent days are missing, not zero: a 0 would silently dilute window
	// energy sums and defeat the coverage gate downstream.
	assert.True(t, math.IsNaN(obs[1].IntakeKcal))
	assert.True(t, math.IsNaN(obs[2].IntakeKcal))
	assert.InDelta(t, 22.6, obs[3].RawFatMassKg, 1e-9)
}

func TestLoadHeaderCaseInsensitive(t *testing.T) {
	csv := strings.Join([]string{
		"Date, Intake_Kcal ,FAT_MASS_KG",
		"2024-01-01,2200,22.4",
	}, "\n")

	obs, err := Load(strings.NewReader(csv), nil)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 2200.0, obs[0].IntakeKcal)
	assert.InDelta(t, 22.4, obs[0].RawFatMassKg, 1e-9)
}

func TestLoadRejectsMissingDateColumn(t *testing.T) {
	csv := "intake_kcal,fat_mass_kg\n2200,22.4\n"
	_, err := Load(strings.NewReader(csv), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "date")
}

func TestLoadRejectsBadDate(t *testing.T) {
	csv := "date,intake_kcal\n01/02/2024,2200\n"
	_, err := Load(strings.NewReader(csv), nil)
	assert.Error(t, err)
}

func TestLoadRejectsUnorderedDates(t *testing.T) {
	csv := strings.Join([]string{
		"date,intake_kcal",
		"2024-01-05,2200",
		"2024-01-04,2300",
	}, "\n")
	_, err := Load(strings.NewReader(csv), nil)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daily.csv")
	content := "date,intake_kcal,fat_mass_kg\n2024-01-01,2200,22.4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	obs, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Len(t, obs, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"), nil)
	assert.Error(t, err)
}
