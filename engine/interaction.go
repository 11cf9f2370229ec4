package engine

import (
	"math/rand"
	"time"

	"github.com/jnbrc0de/scrapingsmart/browser"
)

// defaultInteractionScript generates a randomized scroll/hover/dwell
// sequence (§4.3 step 5). This is not cosmetic: on sites whose price block
// lazy-renders on scroll or hover, skipping it means the Evaluator never
// sees the price at all.
func defaultInteractionScript(rng *rand.Rand) browser.InteractionScript {
	steps := browser.InteractionScript{
		{Kind: "scroll", Amount: 200 + rng.Intn(400), Pause: jitterDuration(rng, 150*time.Millisecond, 350*time.Millisecond)},
		{Kind: "dwell", Pause: jitterDuration(rng, 200*time.Millisecond, 500*time.Millisecond)},
		{Kind: "scroll", Amount: 300 + rng.Intn(500), Pause: jitterDuration(rng, 150*time.Millisecond, 400*time.Millisecond)},
		{Kind: "hover", Selector: ".price, [itemprop=price], [data-price]", Pause: jitterDuration(rng, 100*time.Millisecond, 300*time.Millisecond)},
	}
	return steps
}

func jitterDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}
