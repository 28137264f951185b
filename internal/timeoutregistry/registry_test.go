package timeoutregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsOutOfRangeInitialValue(t *testing.T) {
	_, err := New(
		map[Category]map[string]Range{CategoryWorker: {"jobTimeout": {1000, 600000}}},
		map[Category]map[string]int64{CategoryWorker: {"jobTimeout": 1}},
	)
	require.Error(t, err)
}

func TestSetValidatesRangeAndRecordsChange(t *testing.T) {
	r, err := NewWithProfile(ProfileDefault, nil)
	require.NoError(t, err)

	require.NoError(t, r.Set(CategoryWorker, "jobTimeout", 5000))
	d, err := r.Get(CategoryWorker, "jobTimeout")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	err = r.Set(CategoryWorker, "jobTimeout", 1)
	require.Error(t, err)

	changes := r.Changes()
	require.Len(t, changes, 1)
	require.Equal(t, int64(5000), changes[0].NewMS)
}

func TestResetToDefaults(t *testing.T) {
	r, err := NewWithProfile(ProfileDefault, nil)
	require.NoError(t, err)
	before, _ := r.Get(CategoryWorker, "jobTimeout")

	require.NoError(t, r.Set(CategoryWorker, "jobTimeout", 9000))
	r.ResetToDefaults()

	after, _ := r.Get(CategoryWorker, "jobTimeout")
	require.Equal(t, before, after)
}

func TestTestingProfileIsShorterThanDebugging(t *testing.T) {
	testing_, err := NewWithProfile(ProfileTesting, nil)
	require.NoError(t, err)
	debugging, err := NewWithProfile(ProfileDebugging, nil)
	require.NoError(t, err)

	tv, _ := testing_.Get(CategoryWorker, "jobTimeout")
	dv, _ := debugging.Get(CategoryWorker, "jobTimeout")
	require.Less(t, tv, dv)
}

func TestOverridesApplyOnTopOfProfile(t *testing.T) {
	r, err := NewWithProfile(ProfileDefault, map[Category]map[string]int64{
		CategoryWorker: {"jobTimeout": 45000},
	})
	require.NoError(t, err)
	d, _ := r.Get(CategoryWorker, "jobTimeout")
	require.Equal(t, 45*time.Second, d)
}
