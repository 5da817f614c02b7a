package runtime

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/amirkhaki/moriarty/pkg/strategy"
)

// ExploreSeeds explores prog once per seed, each with its own strategy and
// engine, running at most workers explorations at a time. The results are
// in the order of seeds. The first error cancels the remaining runs.
func ExploreSeeds(ctx context.Context, prog Program, seeds []int64, workers int, newStrategy func(seed int64) (strategy.Strategy, error), opts Options) ([]*Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	results := make([]*Result, len(seeds))
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			s, err := newStrategy(seed)
			if err != nil {
				return err
			}
			res, err := NewEngine(s, opts).Explore(ctx, prog)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}
