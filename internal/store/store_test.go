// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDirectionalPolicy(t *testing.T) {
	tests := []struct {
		name   string
		kind   int16
		params []byte
		want   DirectionalPolicy
	}{
		{
			name:   "token bucket with rate",
			kind:   3,
			params: []byte(`{"rate_kibps": 512}`),
			want:   DirectionalPolicy{Kind: PolicyTokenBkt, RateKibps: 512},
		},
		{
			name:   "unlimited with empty parameters",
			kind:   1,
			params: []byte(`{}`),
			want:   DirectionalPolicy{Kind: PolicyUnlimited},
		},
		{
			name:   "block with null parameters",
			kind:   2,
			params: nil,
			want:   DirectionalPolicy{Kind: PolicyBlock},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeDirectionalPolicy(tt.kind, tt.params)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDirectionalPolicyRejectsBadJSON(t *testing.T) {
	_, err := decodeDirectionalPolicy(3, []byte(`{"rate_kibps":`))
	require.Error(t, err)
}
