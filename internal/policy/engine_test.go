package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine(t *testing.T, lists Lists) *Engine {
	t.Helper()
	e, err := NewEngine(lists, DefaultTokenLifetime, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestCompileRejectsMalformedPatterns(t *testing.T) {
	tests := []struct {
		name  string
		lists Lists
		want  string
	}{
		{"missing colon", Lists{Allow: []string{"fs"}}, "security.tools.allow"},
		{"missing tool half", Lists{Block: []string{"fs:"}}, "security.tools.block"},
		{"missing server half", Lists{Confirm: []string{":read"}}, "security.tools.confirm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.lists, DefaultTokenLifetime, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGlobMatching(t *testing.T) {
	tests := []struct {
		pattern  string
		upstream string
		tool     string
		want     bool
	}{
		{"*:*", "fs", "read_file", true},
		{"fs:*", "fs", "anything", true},
		{"fs:*", "github", "anything", false},
		{"*:read_?ile", "fs", "read_file", true},
		{"*:read_?ile", "fs", "read_xfile", false},
		{"FS:READ_FILE", "fs", "read_file", true}, // case-insensitive
		{"fs:read*", "fs", "read_file", true},
		{"fs:read*", "fs", "write_file", false},
	}

	for _, tt := range tests {
		p, err := CompilePattern(tt.pattern)
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Matches(tt.upstream, tt.tool),
			"pattern %s against %s:%s", tt.pattern, tt.upstream, tt.tool)
	}
}

func TestBlockOverridesConfirmAndAllow(t *testing.T) {
	e := newEngine(t, Lists{
		Allow:   []string{"*:*"},
		Block:   []string{"fs:delete_file"},
		Confirm: []string{"*:*"},
	})

	res := e.Evaluate("fs", "delete_file", "")
	assert.Equal(t, DecisionBlock, res.Decision)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.Empty(t, res.Token)
}

func TestHardenedDefaultRequiresConfirmation(t *testing.T) {
	e := newEngine(t, HardenedLists())

	res := e.Evaluate("fs", "read_file", "")
	require.Equal(t, DecisionConfirm, res.Decision)
	require.NotEmpty(t, res.Token)

	// Token redeems exactly once, for bare or qualified spelling alike.
	res2 := e.Evaluate("fs", "fs:read_file", res.Token)
	assert.Equal(t, DecisionAllow, res2.Decision)

	// Second use of the same token yields a fresh confirm.
	res3 := e.Evaluate("fs", "read_file", res.Token)
	assert.Equal(t, DecisionConfirm, res3.Decision)
	assert.NotEmpty(t, res3.Token)
	assert.NotEqual(t, res.Token, res3.Token)
}

func TestPermissiveAllowsEverything(t *testing.T) {
	e := newEngine(t, PermissiveLists())
	res := e.Evaluate("anything", "at_all", "")
	assert.Equal(t, DecisionAllow, res.Decision)
}

func TestImplicitBlockWhenNoListMatches(t *testing.T) {
	e := newEngine(t, Lists{Allow: []string{"fs:*"}})
	res := e.Evaluate("github", "create_repo", "")
	assert.Equal(t, DecisionBlock, res.Decision)
	assert.Equal(t, ReasonNotAllowed, res.Reason)
}

func TestBareAndQualifiedDecisionsAgree(t *testing.T) {
	e := newEngine(t, Lists{
		Allow:   []string{"fs:read_*"},
		Block:   []string{"fs:delete_*"},
		Confirm: []string{"fs:write_*"},
	})

	for _, tool := range []string{"read_file", "delete_file", "write_file", "unknown"} {
		bare := e.Evaluate("fs", tool, "")
		qualified := e.Evaluate("fs", "fs:"+tool, "")
		assert.Equal(t, bare.Decision, qualified.Decision, "tool %s", tool)
	}
}

func TestTokenBoundToTool(t *testing.T) {
	e := newEngine(t, HardenedLists())

	res := e.Evaluate("fs", "read_file", "")
	require.Equal(t, DecisionConfirm, res.Decision)

	// Token minted for read_file does not unlock write_file.
	other := e.Evaluate("fs", "write_file", res.Token)
	assert.Equal(t, DecisionConfirm, other.Decision)

	// Original token is still live for its own tool.
	same := e.Evaluate("fs", "read_file", res.Token)
	assert.Equal(t, DecisionAllow, same.Decision)
}

func TestZeroLifetimeExpiresImmediately(t *testing.T) {
	e, err := NewEngine(HardenedLists(), 0, nil)
	require.NoError(t, err)

	res := e.Evaluate("fs", "read_file", "")
	require.Equal(t, DecisionConfirm, res.Decision)

	res2 := e.Evaluate("fs", "read_file", res.Token)
	assert.Equal(t, DecisionConfirm, res2.Decision)
}

func TestExpiryWithInjectedClock(t *testing.T) {
	e := newEngine(t, HardenedLists())

	base := time.Now()
	now := base
	e.Confirmations().SetClock(func() time.Time { return now })

	res := e.Evaluate("fs", "read_file", "")
	require.Equal(t, DecisionConfirm, res.Decision)

	now = base.Add(DefaultTokenLifetime + time.Second)
	res2 := e.Evaluate("fs", "read_file", res.Token)
	assert.Equal(t, DecisionConfirm, res2.Decision, "expired token must not validate")
}

func TestToolVisibility(t *testing.T) {
	e := newEngine(t, Lists{
		Allow:   []string{"fs:read_*"},
		Block:   []string{"fs:delete_*"},
		Confirm: []string{"fs:write_*"},
	})

	v := e.ToolVisibility("fs", "read_file")
	assert.True(t, v.Visible)
	assert.False(t, v.RequiresConfirmation)

	v = e.ToolVisibility("fs", "delete_file")
	assert.False(t, v.Visible)

	v = e.ToolVisibility("fs", "write_file")
	assert.True(t, v.Visible)
	assert.True(t, v.RequiresConfirmation)

	v = e.ToolVisibility("fs", "other")
	assert.False(t, v.Visible)
}

func TestClearDropsLiveTokens(t *testing.T) {
	e := newEngine(t, HardenedLists())

	res := e.Evaluate("fs", "read_file", "")
	require.Equal(t, DecisionConfirm, res.Decision)
	assert.Equal(t, 1, e.Confirmations().Len())

	dropped := e.Confirmations().Clear()
	assert.Equal(t, 1, dropped)

	res2 := e.Evaluate("fs", "read_file", res.Token)
	assert.Equal(t, DecisionConfirm, res2.Decision)
}
