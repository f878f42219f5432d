package metadata

// FitStrategy chooses which free region satisfies a request when several are large enough
type FitStrategy uint32

const (
	// FitStrategyBestFit chooses the smallest free region that is large enough, breaking ties
	// in favor of the record found first
	FitStrategyBestFit FitStrategy = iota
	// FitStrategyFirstFit chooses the first large enough free region in catalog order
	FitStrategyFirstFit
	// FitStrategyLowestAddress chooses the large enough free region with the lowest address.
	// This gives reproducible placement between runs, which can make fault addresses easier to
	// compare.
	FitStrategyLowestAddress
)

var fitStrategyMapping = map[FitStrategy]string{
	FitStrategyBestFit:       "BestFit",
	FitStrategyFirstFit:      "FirstFit",
	FitStrategyLowestAddress: "LowestAddress",
}

func (s FitStrategy) String() string {
	return fitStrategyMapping[s]
}
