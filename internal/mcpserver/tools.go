package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the risk scoring MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreSnapshots = mcp.NewTool("score_snapshots",
	mcp.WithDescription(
		"Score device snapshot feature records for fraud risk. "+
			"Each record must carry device_id and every model feature of the contract "+
			"(see get_device_features for the shape). Results come back sorted by risk, highest first. "+
			"The whole batch is rejected if any record violates the contract."),
	mcp.WithArray("rows",
		mcp.Required(),
		mcp.Description("Feature records, e.g. [{\"device_id\": \"ATM-1\", \"recent_txn_count\": 3, ...}]"),
		mcp.Items(map[string]any{"type": "object"})),
)

var ToolScoreDevices = mcp.NewTool("score_devices",
	mcp.WithDescription(
		"Compute current features for registered devices from their transaction and complaint "+
			"history and score them. Use this when you know device ids but not their features."),
	mcp.WithArray("device_ids",
		mcp.Required(),
		mcp.Description("Device ids to score (at most 1000)"),
		mcp.Items(map[string]any{"type": "string"})),
	mcp.WithString("at",
		mcp.Description("Snapshot instant in RFC 3339; defaults to now")),
	mcp.WithString("lookback",
		mcp.Description("Lookback window as a Go duration such as '168h'; defaults to the service setting")),
)

var ToolGetDeviceFeatures = mcp.NewTool("get_device_features",
	mcp.WithDescription(
		"Show the feature record of one device at an instant: recent transaction count, "+
			"average amount, fraud count, unique source accounts, complaints and location."),
	mcp.WithString("device_id",
		mcp.Required(),
		mcp.Description("Device id, e.g. 'ATM-0042'")),
	mcp.WithString("at",
		mcp.Description("Snapshot instant in RFC 3339; defaults to now")),
	mcp.WithString("lookback",
		mcp.Description("Lookback window as a Go duration such as '168h'")),
)

var ToolGetAssessments = mcp.NewTool("get_assessments",
	mcp.WithDescription(
		"List the most recent risk scores recorded for a device, newest first."),
	mcp.WithString("device_id",
		mcp.Required(),
		mcp.Description("Device id")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 20)")),
)

var ToolModelStatus = mcp.NewTool("model_status",
	mcp.WithDescription(
		"Show which fraud model is serving: name, version, kind, contract version and when it was loaded."),
)

var ToolStartCorpusBuild = mcp.NewTool("start_corpus_build",
	mcp.WithDescription(
		"Start a background build of the labeled training corpus. "+
			"Only one build runs at a time. Returns the build id; poll it with get_corpus_build."),
	mcp.WithString("from",
		mcp.Description("Schedule start in RFC 3339; defaults to 30 days before 'to'")),
	mcp.WithString("to",
		mcp.Description("Schedule end in RFC 3339; defaults to now")),
	mcp.WithString("cadence",
		mcp.Description("Time between snapshots, e.g. '12h'")),
	mcp.WithString("lookback",
		mcp.Description("Feature lookback window, e.g. '168h'")),
	mcp.WithString("horizon",
		mcp.Description("Label horizon, e.g. '24h'")),
	mcp.WithString("strategy",
		mcp.Description("Window strategy"),
		mcp.Enum("sliding", "rescan")),
)

var ToolGetCorpusBuild = mcp.NewTool("get_corpus_build",
	mcp.WithDescription(
		"Show the status and progress of a corpus build: devices done, rows written, "+
			"rows changed against the previous version and positive labels."),
	mcp.WithString("build_id",
		mcp.Required(),
		mcp.Description("Build id returned by start_corpus_build, e.g. 'build_0190...'")),
)
