/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/agentlog/record"
)

func TestIngressPerSourceFIFO(t *testing.T) {
	ig := NewIngress(8, 2, "")
	prod := ig.Source("src-a")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, prod.ProcessContext(record.Record{ID: string(rune('a' + i)), Message: string(rune('a' + i))}, ctx))
	}

	var got []string
	for i := 0; i < 5; i++ {
		select {
		case rec := <-ig.Merged():
			got = append(got, rec.Message)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for merged record")
		}
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestIngressFansInMultipleSources(t *testing.T) {
	ig := NewIngress(8, 4, "")
	a := ig.Source("src-a")
	b := ig.Source("src-b")
	ctx := context.Background()

	require.NoError(t, a.ProcessContext(record.Record{SourceID: "src-a"}, ctx))
	require.NoError(t, b.ProcessContext(record.Record{SourceID: "src-b"}, ctx))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case rec := <-ig.Merged():
			seen[rec.SourceID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	require.True(t, seen["src-a"])
	require.True(t, seen["src-b"])
}

func TestIngressShutdownClosesMerged(t *testing.T) {
	ig := NewIngress(4, 2, "")
	_ = ig.Source("src-a")
	ig.Shutdown()
	_, ok := <-ig.Merged()
	require.False(t, ok)
}
