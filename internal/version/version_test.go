package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtLeastIOS(t *testing.T) {
	cases := []struct {
		target, name string
		want         bool
	}{
		{"2024.21", "2024.21", true},
		{"2024.21", "2024.22", true},
		{"2024.21", "2024.20", false},
		{"2024.21", "2025.1", true},
		{"2024.21", "2023.99", false},
	}
	for _, tc := range cases {
		got, err := AtLeast(IOS, tc.target, "", tc.name)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, "%s vs %s", tc.name, tc.target)
	}
}

func TestAtLeastIOSMalformed(t *testing.T) {
	for _, name := range []string{"", "2024", "2024.1.2", "2024.x", "abc.1", "missing"} {
		_, err := AtLeast(IOS, "2024.21", "", name)
		var ve *Error
		assert.ErrorAs(t, err, &ve, "name=%q", name)
	}
}

func TestAtLeastAndroid(t *testing.T) {
	got, err := AtLeast(Android, "60", "61", "")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = AtLeast(Android, "60", "59", "")
	require.NoError(t, err)
	assert.False(t, got)

	_, err = AtLeast(Android, "60", "6.1", "")
	var ve *Error
	assert.ErrorAs(t, err, &ve)
}

func TestAtLeastInvalidTarget(t *testing.T) {
	var ve *Error

	_, err := AtLeast(IOS, "missing", "", "2024.21")
	assert.ErrorAs(t, err, &ve)

	_, err = AtLeast(NoOS, "2024.21", "", "2024.21")
	assert.ErrorAs(t, err, &ve)
}
