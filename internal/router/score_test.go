package router

import (
	"log/slog"
	"os"
	"testing"

	"pgregory.net/rapid"

	"github.com/smartrouter/smartrouter/internal/health"
	"github.com/smartrouter/smartrouter/internal/pricing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestScorer(t *testing.T) (*Scorer, *health.Tracker) {
	t.Helper()
	store, err := pricing.NewStore(testLogger())
	if err != nil {
		t.Fatalf("pricing.NewStore: %v", err)
	}
	tracker := health.NewTracker(health.DefaultConfig())
	return NewScorer(tracker, store), tracker
}

func TestScoreEncode(t *testing.T) {
	sc := Score{Cost: 9, Local: 9, Context: 5, Param: 5, Speed: 5, Quality: 7, Reliability: 9}
	if got := sc.Encode(); got != 9955579 {
		t.Errorf("Encode = %d, want 9955579", got)
	}
	if got := sc.String(); got != "9955579" {
		t.Errorf("String = %s", got)
	}
}

func TestCostTierFreeModel(t *testing.T) {
	s, _ := newTestScorer(t)
	ch := &Channel{ID: "or", Provider: "openrouter", Tags: []string{"free"}, Enabled: true}
	rec := ModelRecord{ChannelID: "or", ModelID: "qwen/qwen3-30b:free"}

	sc, cost := s.Score(ch, nil, rec, ScoreInput{EstPromptTokens: 100, MaxTokens: 100})
	if cost != 0 {
		t.Errorf("free model cost = %v, want 0", cost)
	}
	if sc.Cost != 9 {
		t.Errorf("free cost tier = %d, want 9", sc.Cost)
	}
}

func TestCostTierZeroCostButUnvalidatedIsPaid(t *testing.T) {
	s, _ := newTestScorer(t)
	// No free tag, no :free suffix, but unknown model resolves to nonzero
	// fallback pricing anyway; a zero-token request costs ~0.
	ch := &Channel{ID: "ch", Provider: "openai", Enabled: true}
	rec := ModelRecord{ChannelID: "ch", ModelID: "gpt-4o-mini"}

	sc, _ := s.Score(ch, nil, rec, ScoreInput{EstPromptTokens: 1, MaxTokens: 1})
	if sc.Cost > 8 {
		t.Errorf("paid candidate cost tier = %d, must not exceed 8", sc.Cost)
	}
}

func TestCostTierMonotoneInCost(t *testing.T) {
	s, _ := newTestScorer(t)
	cheap := &Channel{ID: "a", Provider: "openai", InputPer1K: 0.0001, OutputPer1K: 0.0001, Enabled: true}
	pricey := &Channel{ID: "b", Provider: "openai", InputPer1K: 10, OutputPer1K: 30, Enabled: true}
	rec := ModelRecord{ModelID: "gpt-4o"}
	in := ScoreInput{EstPromptTokens: 1000, MaxTokens: 1000}

	scCheap, _ := s.Score(cheap, nil, rec, in)
	scPricey, _ := s.Score(pricey, nil, rec, in)
	if scCheap.Cost <= scPricey.Cost {
		t.Errorf("cheap tier %d should beat pricey tier %d", scCheap.Cost, scPricey.Cost)
	}
}

func TestLocalTierByTag(t *testing.T) {
	s, _ := newTestScorer(t)
	for _, tag := range []string{"local", "ollama", "lmstudio"} {
		ch := &Channel{ID: "l", Provider: "local", Tags: []string{tag}, Enabled: true}
		sc, _ := s.Score(ch, nil, ModelRecord{ModelID: "llama3-8b"}, ScoreInput{})
		if sc.Local != 9 {
			t.Errorf("tag %s: local tier = %d, want 9", tag, sc.Local)
		}
	}
}

func TestLocalTierByBaseURL(t *testing.T) {
	s, _ := newTestScorer(t)
	ch := &Channel{ID: "l", Provider: "local", Enabled: true}

	tests := []struct {
		url  string
		want bool
	}{
		{"http://localhost:11434/v1", true},
		{"http://127.0.0.1:8080", true},
		{"http://192.168.1.50:1234/v1", true},
		{"http://10.0.0.2", true},
		{"https://api.openai.com/v1", false},
	}
	for _, tt := range tests {
		prov := &Provider{ID: "p", BaseURL: tt.url}
		sc, _ := s.Score(ch, prov, ModelRecord{ModelID: "m"}, ScoreInput{})
		if got := sc.Local == 9; got != tt.want {
			t.Errorf("url %s: local=9 is %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestContextTierTable(t *testing.T) {
	tests := []struct {
		ctx  int
		want int
	}{
		{200000, 9}, {128000, 9}, {32768, 8}, {16385, 7},
		{8192, 6}, {4096, 5}, {2048, 4}, {0, 3},
	}
	for _, tt := range tests {
		if got := contextTier(tt.ctx); got != tt.want {
			t.Errorf("contextTier(%d) = %d, want %d", tt.ctx, got, tt.want)
		}
	}
}

func TestParamTierTable(t *testing.T) {
	tests := []struct {
		b    float64
		want int
	}{
		{72, 9}, {70, 9}, {32, 8}, {14, 7}, {8, 6}, {3, 5}, {1.5, 4}, {0.5, 3}, {0, 4},
	}
	for _, tt := range tests {
		if got := paramTier(tt.b); got != tt.want {
			t.Errorf("paramTier(%v) = %d, want %d", tt.b, got, tt.want)
		}
	}
}

func TestQualityTier(t *testing.T) {
	if got := qualityTier(9, 9); got != 9 {
		t.Errorf("qualityTier(9,9) = %d", got)
	}
	if got := qualityTier(6, 9); got != 8 {
		t.Errorf("qualityTier(6,9) = %d, want round(7.5)=8", got)
	}
	if got := qualityTier(3, 4); got != 4 {
		t.Errorf("qualityTier(3,4) = %d, want 4", got)
	}
}

func TestSortKeyFreeBeatsPaidUnderEveryStrategy(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		digit := rapid.IntRange(0, 9)
		free := Score{Cost: 9}
		paid := Score{Cost: rapid.IntRange(0, 8).Draw(t, "paidCost")}
		for _, sc := range []*Score{&free, &paid} {
			sc.Local = digit.Draw(t, "local")
			sc.Context = digit.Draw(t, "context")
			sc.Param = digit.Draw(t, "param")
			sc.Speed = digit.Draw(t, "speed")
			sc.Quality = digit.Draw(t, "quality")
			sc.Reliability = digit.Draw(t, "reliability")
		}
		strategy := rapid.SampledFrom([]string{
			StrategyFreeFirst, StrategyCostFirst, StrategyLocalFirst,
			StrategyBalanced, StrategySpeedOptimized, StrategyQualityOptimized,
		}).Draw(t, "strategy")

		if SortKey(strategy, free) <= SortKey(strategy, paid) {
			t.Fatalf("strategy %s: paid %+v outranks free %+v", strategy, paid, free)
		}
	})
}

func TestSortKeyStrategyPromotion(t *testing.T) {
	fast := Score{Cost: 5, Speed: 9}
	cheap := Score{Cost: 8, Speed: 1}

	if SortKey(StrategyFreeFirst, cheap) <= SortKey(StrategyFreeFirst, fast) {
		t.Error("default strategy should favor the cheaper candidate")
	}
	if SortKey(StrategySpeedOptimized, fast) <= SortKey(StrategySpeedOptimized, cheap) {
		t.Error("speed_optimized should favor the faster candidate")
	}

	local := Score{Cost: 4, Local: 9}
	remote := Score{Cost: 8, Local: 2}
	if SortKey(StrategyLocalFirst, local) <= SortKey(StrategyLocalFirst, remote) {
		t.Error("local_first should favor the local candidate")
	}
}

func TestValidStrategy(t *testing.T) {
	if !ValidStrategy("free_first") || !ValidStrategy("quality_optimized") {
		t.Error("known strategies should validate")
	}
	if ValidStrategy("cheapest") || ValidStrategy("") {
		t.Error("unknown strategies should not validate")
	}
}
