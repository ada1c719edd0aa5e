package mcpserver

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/corpus"
	"github.com/ncrp/atmrisk/internal/risk"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreSnapshots scores caller-supplied feature records.
func (h *Handlers) HandleScoreSnapshots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["rows"].([]any)
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("rows must be a non-empty array of objects"), nil
	}
	rows := make([]map[string]any, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("rows[%d] is not an object", i)), nil
		}
		rows = append(rows, m)
	}

	batch, err := h.client.Score(ctx, rows)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score rows: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBatch(batch)), nil
}

// HandleScoreDevices scores registered devices by id.
func (h *Handlers) HandleScoreDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := req.GetStringSlice("device_ids", nil)
	if len(ids) == 0 {
		return mcp.NewToolResultError("device_ids is required"), nil
	}
	at := req.GetString("at", "")
	lookback := req.GetString("lookback", "")

	batch, err := h.client.ScoreDevices(ctx, ids, at, lookback)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score devices: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBatch(batch)), nil
}

// HandleGetDeviceFeatures shows one device's feature record.
func (h *Handlers) HandleGetDeviceFeatures(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := req.GetString("device_id", "")
	if deviceID == "" {
		return mcp.NewToolResultError("device_id is required"), nil
	}

	f, err := h.client.DeviceFeatures(ctx, deviceID, req.GetString("at", ""), req.GetString("lookback", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get features: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Features of %s (contract %s, lookback %s):\n", deviceID, f.ContractVersion, f.Lookback)
	for _, k := range slices.Sorted(maps.Keys(f.Features)) {
		if k == contract.FieldDeviceID {
			continue
		}
		fmt.Fprintf(&sb, "  %s: %v\n", k, f.Features[k])
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetAssessments lists recent scores of a device.
func (h *Handlers) HandleGetAssessments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := req.GetString("device_id", "")
	if deviceID == "" {
		return mcp.NewToolResultError("device_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	as, err := h.client.Assessments(ctx, deviceID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get assessments: %v", err)), nil
	}
	if len(as) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No assessments recorded for %s.", deviceID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d assessment(s) for %s:\n\n", len(as), deviceID)
	for i, a := range as {
		fmt.Fprintf(&sb, "%d. Score %.4f | model %s | scored %s\n", i+1, a.Score, a.ModelVersion, a.ScoredAt.UTC().Format(time.RFC3339))
		if !a.SnapshotTime.IsZero() {
			fmt.Fprintf(&sb, "   Snapshot: %s\n", a.SnapshotTime.UTC().Format(time.RFC3339))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleModelStatus shows the serving model.
func (h *Handlers) HandleModelStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := h.client.Model(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get model: %v", err)), nil
	}
	return mcp.NewToolResultText(formatModel(*info)), nil
}

// HandleStartCorpusBuild starts a corpus build.
func (h *Handlers) HandleStartCorpusBuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := corpus.StartBuildRequest{
		From:     req.GetString("from", ""),
		To:       req.GetString("to", ""),
		Cadence:  req.GetString("cadence", ""),
		Lookback: req.GetString("lookback", ""),
		Horizon:  req.GetString("horizon", ""),
		Strategy: req.GetString("strategy", ""),
	}

	b, err := h.client.StartBuild(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start build: %v", err)), nil
	}
	return mcp.NewToolResultText("Corpus build started.\n" + formatBuild(*b)), nil
}

// HandleGetCorpusBuild shows a build's progress.
func (h *Handlers) HandleGetCorpusBuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("build_id", "")
	if id == "" {
		return mcp.NewToolResultError("build_id is required"), nil
	}

	b, err := h.client.GetBuild(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get build: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBuild(*b)), nil
}

// --- Formatting helpers ---

func formatBatch(b *ScoreBatch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Scored %d device snapshot(s) with %s %s:\n\n", len(b.Results), b.Model.Name, b.Model.Version)
	for i, r := range b.Results {
		score, _ := r[risk.ScoreField].(float64)
		fmt.Fprintf(&sb, "%d. %v  risk %.4f\n", i+1, r[contract.FieldDeviceID], score)
	}
	return sb.String()
}

func formatModel(m risk.ModelInfo) string {
	var sb strings.Builder
	sb.WriteString("Active model:\n")
	fmt.Fprintf(&sb, "  Name:     %s\n", m.Name)
	fmt.Fprintf(&sb, "  Version:  %s\n", m.Version)
	fmt.Fprintf(&sb, "  Kind:     %s\n", m.Kind)
	fmt.Fprintf(&sb, "  Contract: %s\n", m.ContractVersion)
	if m.Source != "" {
		fmt.Fprintf(&sb, "  Source:   %s\n", m.Source)
	}
	if !m.LoadedAt.IsZero() {
		fmt.Fprintf(&sb, "  Loaded:   %s\n", m.LoadedAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatBuild(b corpus.Build) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Build %s: %s\n", b.ID, b.Status)
	fmt.Fprintf(&sb, "  Window:    %s to %s every %s\n",
		b.Params.From.UTC().Format(time.RFC3339), b.Params.To.UTC().Format(time.RFC3339), b.Params.Cadence)
	fmt.Fprintf(&sb, "  Devices:   %d/%d\n", b.DevicesDone, b.Devices)
	fmt.Fprintf(&sb, "  Rows:      %d (%d changed, %d positive)\n", b.Rows, b.RowsChanged, b.Positives)
	if b.Error != "" {
		fmt.Fprintf(&sb, "  Error:     %s\n", b.Error)
	}
	return sb.String()
}
