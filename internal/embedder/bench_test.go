package embedder

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkComputeHash(b *testing.B) {
	texts := []string{
		"short",
		"this is a longer text that represents a typical code chunk that might be embedded for semantic search in a codebase",
	}
	for _, text := range texts {
		b.Run(fmt.Sprintf("len=%d", len(text)), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = ComputeHash(text)
			}
		})
	}
}

func BenchmarkLocalProvider_Batch(b *testing.B) {
	ctx := context.Background()
	texts := make([]string, DefaultBatchSize)
	for i := range texts {
		texts[i] = fmt.Sprintf("func F%d() int { return %d }", i, i)
	}

	for _, cached := range []bool{false, true} {
		b.Run(fmt.Sprintf("cached=%v", cached), func(b *testing.B) {
			var opts []Option
			if cached {
				opts = append(opts, WithCache(NewCache(len(texts))))
			}
			p, _ := NewLocalProvider(opts...)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: texts}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
