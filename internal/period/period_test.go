package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestResolveCutoverBoundary(t *testing.T) {
	onCutover := Resolve(date(2024, time.May, 15))
	afterCutover := Resolve(date(2024, time.May, 16))

	require.Equal(t, Period{Year: 2024, Month: 4, PriorYear: 2024, PriorMonth: 3}, onCutover)
	require.Equal(t, Period{Year: 2024, Month: 5, PriorYear: 2024, PriorMonth: 4}, afterCutover)
}

func TestResolveRollsOverYearBoundaries(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want Period
	}{
		{"early january", date(2024, time.January, 3), Period{Year: 2023, Month: 12, PriorYear: 2023, PriorMonth: 11}},
		{"late january", date(2024, time.January, 20), Period{Year: 2024, Month: 1, PriorYear: 2023, PriorMonth: 12}},
		{"early february", date(2024, time.February, 1), Period{Year: 2024, Month: 1, PriorYear: 2023, PriorMonth: 12}},
		{"late december", date(2023, time.December, 31), Period{Year: 2023, Month: 12, PriorYear: 2023, PriorMonth: 11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Resolve(tc.now))
		})
	}
}

func TestPeriodKeys(t *testing.T) {
	p := Resolve(date(2024, time.January, 10))
	require.Equal(t, "202312store-a", p.Key("store-a").StoreName())
	require.Equal(t, "202311store-a", p.PriorKey("store-a").StoreName())
	require.Equal(t, "2023-12", p.String())
}

func TestResolveWithCustomCutover(t *testing.T) {
	p := ResolveWithCutover(date(2024, time.March, 5), 4)
	require.Equal(t, 3, p.Month)
	p = ResolveWithCutover(date(2024, time.March, 4), 4)
	require.Equal(t, 2, p.Month)
}

func TestPreviousPeriod(t *testing.T) {
	p := Resolve(date(2024, time.January, 20)).Previous()
	require.Equal(t, "2023-12", p.String())
	require.Equal(t, 2023, p.PriorYear)
	require.Equal(t, 11, p.PriorMonth)
	require.Equal(t, Resolve(date(2024, time.January, 20)).PriorKey("s"), p.Key("s"))
}
