package vm

import (
	"fmt"
	"testing"
)

func BenchmarkCollectTree(b *testing.B) {
	for _, threads := range []int{1, 2, 4} {
		b.Run(fmt.Sprintf("threads=%d", threads), func(b *testing.B) {
			cfg := testConfig()
			cfg.Workers.Threads = threads
			cfg.Debug.VerifyAfterCycle = false
			c := newTestCollector(b, cfg)
			tc := defineTestClasses(b, c.Heap())
			m := c.NewMutator(0)
			root, _ := buildTree(b, m, tc, 11)
			c.Roots().SetGlobal("tree", root)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				mustCollect(b, c, c.OldRegions(0)...)
			}
		})
	}
}

func BenchmarkCollectEdenChurn(b *testing.B) {
	cfg := testConfig()
	cfg.Debug.VerifyAfterCycle = false
	c := newTestCollector(b, cfg)
	tc := defineTestClasses(b, c.Heap())
	m := c.NewMutator(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		root, _ := buildTree(b, m, tc, 6)
		c.Roots().SetGlobal("tree", root)
		for j := 0; j < 100; j++ {
			newLeaf(b, m, tc, uint64(j))
		}
		b.StartTimer()
		mustCollect(b, c, c.OldRegions(0)...)
	}
}
