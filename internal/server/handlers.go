package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/index"
	"mcpsquared-go/internal/policy"
	"mcpsquared-go/internal/retriever"
	"mcpsquared-go/internal/stringutil"
)

// toolRow is one find_tools or describe_tools result entry. Description
// and InputSchema are populated according to the detail level.
type toolRow struct {
	Name                 string          `json:"name"`
	UpstreamKey          string          `json:"upstreamKey"`
	Description          string          `json:"description,omitempty"`
	InputSchema          json.RawMessage `json:"inputSchema,omitempty"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
	Score                float64         `json:"score,omitempty"`
}

type findToolsResponse struct {
	Tools        []toolRow           `json:"tools"`
	Query        string              `json:"query"`
	TotalMatches int                 `json:"totalMatches"`
	Suggestions  []index.RelatedTool `json:"suggestions,omitempty"`
}

type describeToolsResponse struct {
	Tools     []toolRow                 `json:"tools"`
	Ambiguous []retriever.AmbiguousName `json:"ambiguous,omitempty"`
}

type namespaceEntry struct {
	Key           string `json:"key"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
	ToolCount     int    `json:"toolCount"`
	Transport     string `json:"transport"`
	AuthPending   bool   `json:"authPending"`
}

type listNamespacesResponse struct {
	Namespaces []namespaceEntry    `json:"namespaces"`
	Conflicts  map[string][]string `json:"conflicts,omitempty"`
}

func (s *SessionServer) handleFindTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'query': %v", err)), nil
	}
	limit := int(request.GetFloat("limit", 0))
	mode := request.GetString("mode", "")
	detailLevel := request.GetString("detailLevel", s.cfg.Operations.FindTools.DefaultDetailLevel)

	results, err := s.retriever.Search(ctx, query, retriever.SearchOptions{Limit: limit, Mode: mode})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
	}

	// Policy filtering preserves the ranking order.
	rows := make([]toolRow, 0, len(results))
	qualified := make([]string, 0, len(results))
	for _, r := range results {
		visibility := s.policy.ToolVisibility(r.Tool.UpstreamKey, r.Tool.ToolName)
		if !visibility.Visible {
			continue
		}
		row := toolRow{
			Name:                 r.Tool.QualifiedName(),
			UpstreamKey:          r.Tool.UpstreamKey,
			RequiresConfirmation: visibility.RequiresConfirmation,
			Score:                r.Score,
		}
		switch detailLevel {
		case config.DetailL2:
			row.InputSchema = r.Tool.InputSchema
			row.Description = r.Tool.Description
		case config.DetailL1:
			row.Description = r.Tool.Description
		}
		rows = append(rows, row)
		qualified = append(qualified, row.Name)
	}

	totalMatches, err := s.retriever.Store().SearchCount(query)
	if err != nil {
		s.logger.Debug("Match count failed", zap.Error(err))
		totalMatches = len(rows)
	}

	response := findToolsResponse{
		Tools:        rows,
		Query:        query,
		TotalMatches: totalMatches,
	}

	cache := s.cfg.Operations.SelectionCache
	if cache.Enabled && len(qualified) > 0 {
		suggestions, err := s.retriever.GetSuggestedBundles(qualified,
			cache.MinCooccurrenceThreshold, cache.MaxBundleSuggestions)
		if err != nil {
			s.logger.Debug("Bundle suggestion failed", zap.Error(err))
		} else {
			response.Suggestions = suggestions
			s.recordSuggestionLookup(len(suggestions) > 0)
		}
	}

	if id := s.sessionID(ctx); id != "" {
		s.sessions.SetRecentFinds(id, qualified)
		s.sessions.Touch(id)
	}

	return marshalResult(response)
}

func (s *SessionServer) handleDescribeTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := parseNames(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(names) == 0 {
		return mcp.NewToolResultError("Parameter 'names' must list at least one tool"), nil
	}

	tools, ambiguous, err := s.retriever.GetTools(names)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %v", err)), nil
	}

	// Hidden tools are dropped without comment; confirm-listed tools are
	// included but flagged.
	rows := make([]toolRow, 0, len(tools))
	for _, t := range tools {
		visibility := s.policy.ToolVisibility(t.UpstreamKey, t.ToolName)
		if !visibility.Visible {
			continue
		}
		rows = append(rows, toolRow{
			Name:                 t.QualifiedName(),
			UpstreamKey:          t.UpstreamKey,
			Description:          t.Description,
			InputSchema:          t.InputSchema,
			RequiresConfirmation: visibility.RequiresConfirmation,
		})
	}

	if id := s.sessionID(ctx); id != "" {
		s.sessions.Touch(id)
	}
	return marshalResult(describeToolsResponse{Tools: rows, Ambiguous: ambiguous})
}

func (s *SessionServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName, err := request.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'tool_name': %v", err)), nil
	}
	token := request.GetString("confirmation_token", "")
	args := extractArguments(request)

	upstreamKey, err := s.resolveUpstream(toolName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := s.policy.Evaluate(upstreamKey, toolName, token)
	switch result.Decision {
	case policy.DecisionBlock:
		payload, merr := json.Marshal(map[string]interface{}{
			"blocked": true,
			"reason":  result.Reason,
		})
		if merr != nil {
			return mcp.NewToolResultError(result.Reason), nil
		}
		return mcp.NewToolResultError(string(payload)), nil
	case policy.DecisionConfirm:
		return marshalResult(map[string]interface{}{
			"requires_confirmation": true,
			"confirmation_token":    result.Token,
			"reason":                result.Reason,
		})
	}

	callResult, err := s.cataloger.CallTool(ctx, toolName, args)
	if err != nil {
		s.recordToolCall(stringutil.JoinQualified(upstreamKey, bareTool(toolName)), false)
		return mcp.NewToolResultError(fmt.Sprintf("Tool call failed: %v", err)), nil
	}

	qualifiedName := stringutil.JoinQualified(upstreamKey, bareTool(toolName))
	s.recordToolCall(qualifiedName, true)
	s.recordExecuteCooccurrence(ctx, qualifiedName)

	return callResult, nil
}

// recordExecuteCooccurrence pairs the executed tool with the session's
// last find_tools result set. Failures never surface to the caller.
func (s *SessionServer) recordExecuteCooccurrence(ctx context.Context, qualifiedName string) {
	if !s.cfg.Operations.SelectionCache.Enabled {
		return
	}
	id := s.sessionID(ctx)
	if id == "" {
		return
	}
	recent := s.sessions.RecentFinds(id)
	if len(recent) == 0 {
		return
	}
	group := make([]string, 0, len(recent)+1)
	group = append(group, qualifiedName)
	for _, name := range recent {
		if name != qualifiedName {
			group = append(group, name)
		}
	}
	if err := s.retriever.RecordCooccurrences(group); err != nil {
		s.logger.Debug("Co-occurrence record failed", zap.Error(err))
	}
}

func (s *SessionServer) handleListNamespaces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot := s.cataloger.Snapshot()
	entries := make([]namespaceEntry, 0, len(snapshot))
	for key, info := range snapshot {
		entries = append(entries, namespaceEntry{
			Key:           key,
			Status:        info.State.String(),
			Error:         info.LastError,
			ServerName:    info.ServerName,
			ServerVersion: info.ServerVersion,
			ToolCount:     info.ToolCount,
			Transport:     string(info.Transport),
			AuthPending:   info.AuthPending,
		})
	}
	sortNamespaces(entries)

	return marshalResult(listNamespacesResponse{
		Namespaces: entries,
		Conflicts:  s.cataloger.Conflicts(),
	})
}

func (s *SessionServer) handleClearSelectionCache(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cleared, err := s.retriever.ClearCooccurrences()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Clear failed: %v", err)), nil
	}
	s.logger.Info("Selection cache cleared", zap.Int("pairs", cleared))
	return marshalResult(map[string]interface{}{"cleared": cleared})
}

// resolveUpstream finds the owning upstream for a bare or qualified name
// so policy evaluation sees the same pair either way.
func (s *SessionServer) resolveUpstream(toolName string) (string, error) {
	if stringutil.IsQualified(toolName) {
		key, _ := stringutil.SplitQualified(toolName)
		return key, nil
	}
	lookup, err := s.retriever.GetTool(toolName, "")
	if err != nil {
		return "", fmt.Errorf("lookup failed for %s: %w", toolName, err)
	}
	if lookup.Ambiguous {
		return "", fmt.Errorf("tool %s is served by several upstreams; use one of: %s",
			toolName, strings.Join(lookup.Alternatives, ", "))
	}
	if lookup.Tool == nil {
		return "", fmt.Errorf("no upstream exposes tool %s", toolName)
	}
	return lookup.Tool.UpstreamKey, nil
}

func sortNamespaces(entries []namespaceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
}

func bareTool(toolName string) string {
	if stringutil.IsQualified(toolName) {
		_, bare := stringutil.SplitQualified(toolName)
		return bare
	}
	return toolName
}

// parseNames accepts the names parameter as a JSON array, a native
// array, or a comma-separated string.
func parseNames(request mcp.CallToolRequest) ([]string, error) {
	raw, ok := request.GetArguments()["names"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("Missing required parameter 'names'")
	}

	switch v := raw.(type) {
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("Parameter 'names' must contain only strings")
			}
			if str = strings.TrimSpace(str); str != "" {
				names = append(names, str)
			}
		}
		return names, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			var names []string
			if err := json.Unmarshal([]byte(trimmed), &names); err != nil {
				return nil, fmt.Errorf("Invalid 'names' JSON array: %v", err)
			}
			return names, nil
		}
		var names []string
		for _, part := range strings.Split(trimmed, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, part)
			}
		}
		return names, nil
	default:
		return nil, fmt.Errorf("Parameter 'names' must be an array or string")
	}
}

// extractArguments pulls the nested arguments object out of the execute
// request; absent or malformed maps become nil.
func extractArguments(request mcp.CallToolRequest) map[string]interface{} {
	raw, ok := request.GetArguments()["arguments"]
	if !ok || raw == nil {
		return nil
	}
	if m, ok := raw.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func marshalResult(v interface{}) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}
