// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netres

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randBundle(r *rand.Rand) Bundle {
	return Bundle{
		RANBytesUp:   r.Int63n(1 << 20),
		RANBytesDown: r.Int63n(1 << 20),
		WANBytesUp:   r.Int63n(1 << 20),
		WANBytesDown: r.Int63n(1 << 20),
	}
}

func TestBundleZeroIsIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		b := randBundle(r)
		require.Equal(t, b, b.Add(Bundle{}))
		require.Equal(t, b, Bundle{}.Add(b))
	}
}

func TestBundleIsCommutative(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		a, b := randBundle(r), randBundle(r)
		require.Equal(t, a.Add(b), b.Add(a))
	}
}

func TestBundleIsAssociative(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		a, b, c := randBundle(r), randBundle(r), randBundle(r)
		require.Equal(t, a.Add(b).Add(c), a.Add(b.Add(c)))
	}
}

func TestBundleIsZero(t *testing.T) {
	require.True(t, Bundle{}.IsZero())
	require.False(t, Bundle{RANBytesUp: 1}.IsZero())
}

func TestBundleTotalBytes(t *testing.T) {
	b := Bundle{RANBytesUp: 1, RANBytesDown: 2, WANBytesUp: 3, WANBytesDown: 4}
	require.Equal(t, int64(10), b.TotalBytes())
}
