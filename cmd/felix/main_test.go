package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitEndpoints(t *testing.T) {
	require.Equal(t,
		[]string{"http://10.0.0.1:2379", "http://10.0.0.2:2379"},
		splitEndpoints(" http://10.0.0.1:2379 ,http://10.0.0.2:2379"),
	)
	require.Nil(t, splitEndpoints(""))
	require.Nil(t, splitEndpoints(" , , "))
}
