package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComplexName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "래미안 대치 팰리스", want: "래미안대치팰리스"},
		{in: "은마아파트", want: "은마"},
		{in: "아파트", want: "아파트"},
		{in: "잠실엘스(주상복합)", want: "잠실엘스"},
		{in: "  Raemian-Firstige ", want: "raemianfirstige"},
		{in: "한신 4차 [101동]", want: "한신4차"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ComplexName(tt.in))
		})
	}
}

func TestStripPhase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "한신4차", want: "한신"},
		{in: "주공제3단지", want: "주공"},
		{in: "래미안2단지", want: "래미안"},
		{in: "힐스테이트", want: "힐스테이트"},
		{in: "삼성이차", want: "삼성"},
		{in: "1단지", want: "1단지"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StripPhase(tt.in))
		})
	}
}

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "래미안2차 SK-View (임대)", want: []string{"래미안", "2차", "sk", "view"}},
		{in: "래미안 삼성 이차", want: []string{"래미안", "삼성", "2차"}},
		{in: "삼성이차", want: []string{"삼성", "2차"}},
		{in: "주공 제3단지", want: []string{"주공", "3단지"}},
		{in: "주공제3단지", want: []string{"주공", "3단지"}},
		{in: "제이십일차 현대", want: []string{"21차", "현대"}},
		{in: "한신 04차", want: []string{"한신", "4차"}},
		{in: "개포 1블록", want: []string{"개포", "1블록"}},
		{in: "자이 2", want: []string{"자이", "2"}},
		{in: "벽산 블루밍", want: []string{"벽산", "블루밍"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokens(tt.in))
		})
	}
	assert.Empty(t, Tokens(" () "))
}

func TestTokens_PhaseSpellingsAgree(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard(Tokens("삼성 래미안 2차"), Tokens("래미안 삼성 이차")), 1e-9)
	assert.InDelta(t, 0.5, Jaccard(Tokens("삼성 래미안 2차"), Tokens("래미안 삼성 삼차")), 1e-9)
}

func TestHangulNumber(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{in: "일", want: 1, ok: true},
		{in: "구", want: 9, ok: true},
		{in: "십", want: 10, ok: true},
		{in: "십이", want: 12, ok: true},
		{in: "이십", want: 20, ok: true},
		{in: "삼십오", want: 35, ok: true},
		{in: "이이", ok: false},
		{in: "십십", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, ok := hangulNumber(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, n)
			}
		})
	}
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard([]string{"a", "b"}, []string{"b", "a"}), 1e-9)
	assert.InDelta(t, 0.5, Jaccard([]string{"a", "b"}, []string{"a", "c", "b", "d"}), 1e-9)
	assert.InDelta(t, 0.0, Jaccard(nil, nil), 1e-9)
	assert.InDelta(t, 0.0, Jaccard([]string{"a"}, []string{"b"}), 1e-9)
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "한신", ApplyChain("한신 4차 아파트", "ncomplex", "strip_phase"))
	assert.Equal(t, "한신4차", ApplyChain("한신 4차 아파트", complexNameChain...))
	assert.Equal(t, "x", ApplyChain("x", "unknown"))
}

func TestStripGenericSuffix(t *testing.T) {
	assert.Equal(t, "은마", StripGenericSuffix("은마아파트"))
	assert.Equal(t, "아파트", StripGenericSuffix("아파트"))
	assert.Equal(t, "towerpalace", StripGenericSuffix("towerpalaceapt"))
}
