package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestAnalyzer(step time.Duration) (*Analyzer, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0), step: step}
	return New(types.DefaultLayout(), WithClock(clk.Now)), clk
}

func write(addr, value uint64, size uint32) types.Operation {
	return types.Operation{Kind: types.KindFlashWrite, Address: addr, Value: value, Size: size}
}

func TestBootBlockWrite_SetsStickyFlag(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	l := types.DefaultLayout()

	for _, addr := range []uint64{l.BootBlockBase, l.BootBlockBase + 0x10, 0xFFFFFFF0} {
		a.Update(write(addr, 0x41, 4))
		as := a.Classify(write(addr, 0x41, 4))
		assert.True(t, as.Suspicious)
		assert.GreaterOrEqual(t, as.Score, uint32(500))
		assert.Contains(t, as.Findings, "boot-block-modification")
		assert.True(t, a.Snapshot().WroteBootBlock)
	}

	for i := 0; i < 5; i++ {
		a.Observe(types.Operation{Kind: types.KindFlashRead, Address: l.FlashBase + 0x100000, Size: 4})
	}
	assert.True(t, a.Snapshot().WroteBootBlock, "flag must stay set")
}

func TestClassify_IsPure(t *testing.T) {
	a, _ := newTestAnalyzer(time.Millisecond)
	op := write(0xFF100000, 1, 4)
	a.Update(op)
	before := a.Snapshot()
	first := a.Classify(op)
	second := a.Classify(op)
	assert.Equal(t, first, second)
	assert.Equal(t, before, a.Snapshot())
}

func TestRapidFire_From21stWrite(t *testing.T) {
	a, _ := newTestAnalyzer(10 * time.Millisecond)

	for i := 1; i <= 25; i++ {
		as, _ := a.Observe(write(0xFF200000+uint64(i)*0x100, 0x90, 4))
		if i >= 21 {
			assert.Contains(t, as.Findings, "rapid-fire-writes", "write %d", i)
			assert.True(t, as.Suspicious)
			assert.GreaterOrEqual(t, as.Score, uint32(250))
		} else {
			assert.NotContains(t, as.Findings, "rapid-fire-writes", "write %d", i)
		}
	}
}

func TestRapidCounter_ResetsOnGap(t *testing.T) {
	a, clk := newTestAnalyzer(10 * time.Millisecond)
	for i := 0; i < 30; i++ {
		a.Observe(write(0xFF200000, 0, 4))
	}
	require.Equal(t, uint32(30), a.Snapshot().RapidWrites)

	clk.step = 200 * time.Millisecond
	as, _ := a.Observe(write(0xFF200000, 0, 4))
	assert.Equal(t, uint32(1), a.Snapshot().RapidWrites)
	assert.NotContains(t, as.Findings, "rapid-fire-writes")
}

func TestSequentialAndScattered(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	a.Update(write(0xFF300000, 0, 0x10))
	a.Update(write(0xFF300010, 0, 0x10))
	a.Update(write(0xFF300020, 0, 0x10))
	a.Update(write(0xFF900000, 0, 0x10))

	s := a.Snapshot()
	assert.Equal(t, uint32(2), s.SequentialWrites)
	assert.Equal(t, uint32(1), s.ScatteredWrites)
	assert.Equal(t, uint64(0xFF900000), s.LastWriteAddr)
}

func TestDetectors(t *testing.T) {
	l := types.DefaultLayout()
	tests := []struct {
		name    string
		prepare []types.Operation
		op      types.Operation
		finding string
	}{
		{
			name:    "secure boot variable zeroed",
			op:      types.Operation{Kind: types.KindSecureBootModify, Address: l.SecureBootBase, Value: 0},
			finding: "secure-boot-disabling",
		},
		{
			name:    "flash write of 0xFFFFFFFF into secure boot nvram",
			op:      write(l.SecureBootBase+0x40, 0xFFFFFFFF, 4),
			finding: "secure-boot-disabling",
		},
		{
			name: "fifth tpm access",
			prepare: []types.Operation{
				{Kind: types.KindTPMAccess, Address: l.TPMBase},
				{Kind: types.KindTPMAccess, Address: l.TPMBase},
				{Kind: types.KindTPMAccess, Address: l.TPMBase},
				{Kind: types.KindTPMAccess, Address: l.TPMBase},
			},
			op:      types.Operation{Kind: types.KindTPMAccess, Address: l.TPMBase + 0x24},
			finding: "tpm-tampering",
		},
		{
			name:    "microcode update",
			op:      types.Operation{Kind: types.KindMicrocodeUpdate, Address: 0x79},
			finding: "microcode-infection",
		},
		{
			name:    "write into microcode region",
			op:      write(l.MicrocodeBase+0x100, 0x1234, 4),
			finding: "microcode-infection",
		},
		{
			name:    "large erase",
			op:      types.Operation{Kind: types.KindFlashErase, Address: l.FlashBase + 0x400000, Size: 2 << 20},
			finding: "mass-flash-erase",
		},
		{
			name:    "sentinel address range",
			op:      types.Operation{Kind: types.KindFlashRead, Address: 0xFFFE0010, Size: 4},
			finding: "address-heuristic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAnalyzer(time.Second)
			for _, p := range tt.prepare {
				a.Observe(p)
			}
			as, _ := a.Observe(tt.op)
			assert.True(t, as.Suspicious)
			assert.Contains(t, as.Findings, tt.finding)
		})
	}
}

func TestMassErase_ByCount(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	var as Assessment
	for i := 0; i < 11; i++ {
		as, _ = a.Observe(types.Operation{Kind: types.KindFlashErase, Address: 0xFF400000 + uint64(i)*0x1000, Size: 0x1000})
	}
	assert.Contains(t, as.Findings, "mass-flash-erase")
}

func TestBenignRead_NotSuspicious(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	as, crossed := a.Observe(types.Operation{Kind: types.KindFlashRead, Address: 0xFF400000, Size: 16})
	assert.False(t, as.Suspicious)
	assert.Zero(t, as.Score)
	assert.Empty(t, crossed)
	assert.Zero(t, a.Cumulative())
}

func TestSequenceHeuristic_KillChain(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	l := types.DefaultLayout()

	a.Observe(types.Operation{Kind: types.KindFlashErase, Address: l.FlashBase + 0x200000, Size: 0x1000})
	a.Observe(write(l.FlashBase+0x200000, 0xCC, 4))
	as, _ := a.Observe(types.Operation{Kind: types.KindSecureBootModify, Address: l.SecureBootBase, Value: 0})

	assert.Equal(t, StageSecureBootDisabled, a.Snapshot().Stage)
	assert.Contains(t, as.Findings, "sequence-heuristic")
}

func TestSequenceHeuristic_OutOfOrderDoesNotComplete(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	l := types.DefaultLayout()

	a.Observe(types.Operation{Kind: types.KindSecureBootModify, Address: l.SecureBootBase, Value: 0})
	a.Observe(write(l.FlashBase+0x200000, 0xCC, 4))
	a.Observe(types.Operation{Kind: types.KindFlashErase, Address: l.FlashBase + 0x200000, Size: 0x1000})

	assert.Equal(t, StageErased, a.Snapshot().Stage)
}

func TestSequenceHeuristic_MicrocodeAndTPM(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	l := types.DefaultLayout()
	a.Observe(types.Operation{Kind: types.KindMicrocodeUpdate})
	var as Assessment
	for i := 0; i < 5; i++ {
		as, _ = a.Observe(types.Operation{Kind: types.KindTPMAccess, Address: l.TPMBase})
	}
	assert.Contains(t, as.Findings, "sequence-heuristic")
}

func TestTimingHeuristic(t *testing.T) {
	a, _ := newTestAnalyzer(50 * time.Millisecond)
	var as Assessment
	for i := 0; i < 11; i++ {
		as, _ = a.Observe(write(0xFF500000+uint64(i)*4, 0, 4))
	}
	assert.Contains(t, as.Findings, "timing-heuristic")
}

func TestAntiAnalysis_AppliesToReadAfterWrite(t *testing.T) {
	a, _ := newTestAnalyzer(10 * time.Millisecond)
	a.Observe(write(0xFF400000, 0x41, 4))
	require.Equal(t, uint32(1), a.Snapshot().RapidWrites)

	as, _ := a.Observe(types.Operation{Kind: types.KindFlashRead, Address: 0xFF400100, Size: 4})
	assert.True(t, as.Suspicious)
	assert.Contains(t, as.Findings, "anti-analysis")
	assert.Equal(t, uint32(200), as.Score)
}

func TestTimingHeuristic_AppliesToAnyKind(t *testing.T) {
	a, clk := newTestAnalyzer(50 * time.Millisecond)
	for i := 0; i < 12; i++ {
		a.Observe(write(0xFF500000+uint64(i)*4, 0, 4))
	}

	as, _ := a.Observe(types.Operation{Kind: types.KindRegisterRead, Address: 0xCF8, Size: 4})
	assert.Contains(t, as.Findings, "timing-heuristic")

	clk.step = time.Second
	as, _ = a.Observe(types.Operation{Kind: types.KindRegisterRead, Address: 0xCF8, Size: 4})
	assert.NotContains(t, as.Findings, "timing-heuristic", "window measured from the first write to now")
}

func TestPersistence(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	l := types.DefaultLayout()
	a.Observe(write(l.BootBlockBase, 0xEB, 1))
	a.Observe(types.Operation{Kind: types.KindSecureBootModify, Address: l.SecureBootBase, Value: 0})
	var as Assessment
	for i := 0; i < 5; i++ {
		as, _ = a.Observe(write(l.FlashBase+0x300000+uint64(i)*4, 0, 4))
	}
	assert.Contains(t, as.Findings, "persistence-attempt")
}

func TestCumulativeScoreAndThresholds(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	l := types.DefaultLayout()

	as, crossed := a.Observe(write(l.BootBlockBase, 0, 4))
	require.True(t, as.Suspicious)
	assert.Equal(t, uint64(as.Score), a.Cumulative())
	assert.Equal(t, []uint64{500}, crossed)

	total := a.Cumulative()
	for total < 1000 {
		as, crossed = a.Observe(write(l.BootBlockBase+0x100, 0, 4))
		total += uint64(as.Score)
		if total >= 1000 {
			assert.Equal(t, []uint64{1000}, crossed)
		}
	}
	_, crossed = a.Observe(write(l.BootBlockBase+0x200, 0, 4))
	assert.Empty(t, crossed, "thresholds are reported once")
	assert.Equal(t, []uint64{500, 1000}, a.Snapshot().Reported)
}

func TestReset(t *testing.T) {
	a, _ := newTestAnalyzer(time.Second)
	a.Observe(write(types.DefaultLayout().BootBlockBase, 0, 4))
	require.NotZero(t, a.Cumulative())
	a.Reset()
	assert.Equal(t, State{}, a.Snapshot())
}

func TestIndicators(t *testing.T) {
	s := State{WroteBootBlock: true, TamperedTPM: true}
	assert.Equal(t, []string{"boot-block-modified", "tpm-tampered"}, s.Indicators())
}
