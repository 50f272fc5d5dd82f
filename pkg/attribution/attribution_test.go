package attribution

import (
	"math/big"
	"testing"

	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

func fullSet(researchAgent, scriptAgent, voiceAgent, musicAgent, visualAgent, editorAgent, publishAgent string) []stagecontract.Attribution {
	return []stagecontract.Attribution{
		New("p1", "s1", registry.Research, researchAgent, researchAgent),
		New("p1", "s2", registry.Script, scriptAgent, scriptAgent),
		New("p1", "s3", registry.Voice, voiceAgent, voiceAgent),
		New("p1", "s4", registry.Music, musicAgent, musicAgent),
		New("p1", "s5", registry.Visual, visualAgent, visualAgent),
		New("p1", "s6", registry.Editor, editorAgent, editorAgent),
		New("p1", "s7", registry.Publish, publishAgent, publishAgent),
	}
}

// S1: A1 does RESEARCH, SCRIPT, VOICE, EDITOR (10+25+20+15=70);
// A2 does MUSIC, VISUAL, PUBLISH (10+15+5=30).
func TestDistribute_HappyPathSplit(t *testing.T) {
	attrs := fullSet("A1", "A1", "A1", "A2", "A2", "A1", "A2")
	shares := Distribute(big.NewInt(1_000_000), attrs)

	if got := shares["A1"].Int64(); got != 700000 {
		t.Fatalf("A1 = %d, want 700000", got)
	}
	if got := shares["A2"].Int64(); got != 300000 {
		t.Fatalf("A2 = %d, want 300000", got)
	}
}

// S6: a bigint total with a single agent across all seven stages must
// distribute exactly, with no precision loss from float arithmetic.
func TestDistribute_BigIntSingleAgent(t *testing.T) {
	total, ok := new(big.Int).SetString("1000000000000000000000000", 10) // 10^24
	if !ok {
		t.Fatal("failed to parse bigint literal")
	}

	attrs := fullSet("X", "X", "X", "X", "X", "X", "X")
	shares := Distribute(total, attrs)

	if shares["X"].Cmp(total) != 0 {
		t.Fatalf("X = %s, want %s", shares["X"].String(), total.String())
	}
}

// Invariant 6: distribution conservation for any non-negative total and
// a full attribution set.
func TestDistribute_ConservationAcrossTotals(t *testing.T) {
	for _, totalInt := range []int64{0, 1, 7, 100, 999, 1_000_000, 123456789} {
		attrs := fullSet("A", "A", "A", "A", "A", "A", "A")
		total := big.NewInt(totalInt)
		shares := Distribute(total, attrs)

		sum := big.NewInt(0)
		for _, v := range shares {
			sum.Add(sum, v)
		}
		if sum.Cmp(total) != 0 {
			t.Fatalf("total=%d: sum of shares = %s, want %s", totalInt, sum.String(), total.String())
		}
	}
}

func TestDistribute_EmptyAttributions(t *testing.T) {
	shares := Distribute(big.NewInt(100), nil)
	if len(shares) != 0 {
		t.Fatalf("expected no shares, got %v", shares)
	}
}

func TestNew_UsesRegistryWeight(t *testing.T) {
	a := New("p1", "s1", registry.Script, "agent-1", "Agent One")
	if a.Percentage != registry.Weight(registry.Script) {
		t.Fatalf("percentage = %d, want %d", a.Percentage, registry.Weight(registry.Script))
	}
	if a.StageName != registry.Script {
		t.Fatalf("stage name = %s, want SCRIPT", a.StageName)
	}
}
