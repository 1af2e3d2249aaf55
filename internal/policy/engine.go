package policy

import (
	"time"

	"go.uber.org/zap"

	"mcpsquared-go/internal/stringutil"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionConfirm Decision = "confirm"
)

// Reasons surfaced with decisions; stable strings clients can rely on.
const (
	ReasonBlocked        = "blocked by security policy"
	ReasonConfirm        = "requires confirmation"
	ReasonNotAllowed     = "not in allow list"
	ReasonAllowed        = "allowed by security policy"
	ReasonTokenConfirmed = "confirmed by token"
)

// Result carries the decision and, for confirm outcomes, a freshly minted
// single-use token.
type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	Token    string   `json:"token,omitempty"`
}

// Visibility answers the cheaper query used for find_tools filtering.
type Visibility struct {
	Visible              bool `json:"visible"`
	RequiresConfirmation bool `json:"requires_confirmation"`
}

// Lists is the raw three-list policy from configuration.
type Lists struct {
	Allow   []string `toml:"allow"`
	Block   []string `toml:"block"`
	Confirm []string `toml:"confirm"`
}

// HardenedLists is the default policy when no security section is
// configured: everything requires confirmation.
func HardenedLists() Lists {
	return Lists{Confirm: []string{"*:*"}}
}

// PermissiveLists allows everything.
func PermissiveLists() Lists {
	return Lists{Allow: []string{"*:*"}}
}

// Engine evaluates compiled allow/block/confirm lists and owns the
// confirmation token store.
type Engine struct {
	allow   []*Pattern
	block   []*Pattern
	confirm []*Pattern

	confirmations *ConfirmationStore
	logger        *zap.Logger
}

// NewEngine compiles the lists and builds the engine. Malformed patterns
// are rejected here, naming the offending list and pattern.
func NewEngine(lists Lists, tokenLifetime time.Duration, logger *zap.Logger) (*Engine, error) {
	allow, err := compileList("allow", lists.Allow)
	if err != nil {
		return nil, err
	}
	block, err := compileList("block", lists.Block)
	if err != nil {
		return nil, err
	}
	confirm, err := compileList("confirm", lists.Confirm)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		allow:         allow,
		block:         block,
		confirm:       confirm,
		confirmations: NewConfirmationStore(tokenLifetime),
		logger:        logger.Named("policy"),
	}, nil
}

// Confirmations exposes the token store (for tests and the
// clear_selection_cache path).
func (e *Engine) Confirmations() *ConfirmationStore {
	return e.confirmations
}

// Evaluate decides whether a call to (upstreamKey, toolName) may proceed.
// toolName may be bare or qualified; a qualified name is normalized to its
// bare form so both spellings produce the same outcome. Precedence:
// block > valid token > confirm > allow > implicit block.
func (e *Engine) Evaluate(upstreamKey, toolName, token string) Result {
	bare := bareName(upstreamKey, toolName)

	if anyMatches(e.block, upstreamKey, bare) {
		return Result{Decision: DecisionBlock, Reason: ReasonBlocked}
	}

	if token != "" && e.confirmations.Validate(token, upstreamKey, bare) {
		return Result{Decision: DecisionAllow, Reason: ReasonTokenConfirmed}
	}

	if anyMatches(e.confirm, upstreamKey, bare) {
		minted := e.confirmations.Mint(upstreamKey, bare)
		e.logger.Debug("minted confirmation token",
			zap.String("upstream", upstreamKey),
			zap.String("tool", bare))
		return Result{Decision: DecisionConfirm, Reason: ReasonConfirm, Token: minted}
	}

	if anyMatches(e.allow, upstreamKey, bare) {
		return Result{Decision: DecisionAllow, Reason: ReasonAllowed}
	}

	return Result{Decision: DecisionBlock, Reason: ReasonNotAllowed}
}

// ToolVisibility answers whether a tool should be advertised at all and
// whether calls to it will need confirmation. Block hides the tool.
func (e *Engine) ToolVisibility(upstreamKey, toolName string) Visibility {
	bare := bareName(upstreamKey, toolName)

	if anyMatches(e.block, upstreamKey, bare) {
		return Visibility{Visible: false}
	}
	if anyMatches(e.confirm, upstreamKey, bare) {
		return Visibility{Visible: true, RequiresConfirmation: true}
	}
	if anyMatches(e.allow, upstreamKey, bare) {
		return Visibility{Visible: true}
	}
	return Visibility{Visible: false}
}

// bareName strips a leading "upstreamKey:" prefix when the qualification
// names the same upstream.
func bareName(upstreamKey, toolName string) string {
	if prefix, rest := stringutil.SplitQualified(toolName); prefix == upstreamKey && prefix != "" {
		return rest
	}
	return toolName
}
