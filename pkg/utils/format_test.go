package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFormatIndianCurrency(t *testing.T) {
	assert.Equal(t, "₹0.00", FormatIndianCurrency(0))
	assert.Equal(t, "₹999.50", FormatIndianCurrency(999.5))
	assert.Equal(t, "₹10,000.00", FormatIndianCurrency(10000))
	assert.Equal(t, "-₹1,00,00,000.00", FormatIndianCurrency(-1e7))
	assert.Equal(t, "+₹750.00", FormatPnL(750))
	assert.Equal(t, "-₹250.00", FormatPnL(-250))
	assert.Equal(t, "-0.200", FormatDelta(-0.2))
}

func parseIndianCurrency(s string) float64 {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "₹", ""), ",", "")
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Feature: delta-hedger, Property: Currency formatting uses Indian digit grouping
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	indianPattern := regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

	properties.Property("grouping is 3 then 2 digits with two decimals", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			num := strings.TrimPrefix(strings.TrimPrefix(formatted, "-"), "₹")
			parts := strings.Split(num, ".")
			return len(parts) == 2 && len(parts[1]) == 2 && indianPattern.MatchString(parts[0])
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("formatting preserves the value", prop.ForAll(
		func(amount float64) bool {
			parsed := parseIndianCurrency(FormatIndianCurrency(amount))
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, CalculateBackoff(0, time.Second, 30*time.Second, 2))
	assert.Equal(t, 8*time.Second, CalculateBackoff(3, time.Second, 30*time.Second, 2))
	assert.Equal(t, 30*time.Second, CalculateBackoff(10, time.Second, 30*time.Second, 2))
}

func TestIsWeekend(t *testing.T) {
	assert.True(t, IsWeekend(time.Date(2024, 1, 6, 10, 0, 0, 0, IndiaLocation)))
	assert.False(t, IsWeekend(time.Date(2024, 1, 8, 10, 0, 0, 0, IndiaLocation)))
}
