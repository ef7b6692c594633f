package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaversineKM(t *testing.T) {
	// Moscow to Saint Petersburg, roughly 634 km
	d := haversineKM(55.7558, 37.6173, 59.9311, 30.3609)
	require.InDelta(t, 634, d, 5)

	require.InDelta(t, 0, haversineKM(55.7558, 37.6173, 55.7558, 37.6173), 0.0001)
}
