package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrorDescriber turns an endpoint error into the text shown to the MCP
// client. Nil means err.Error().
type ErrorDescriber func(error) string

// RegisterMCPTool exposes endpoint as an MCP tool. Arguments are decoded into
// a fresh value from newReq; the response is returned as JSON text. Endpoint
// errors become tool errors, not protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, newReq func() any, describe ErrorDescriber) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in := newReq()
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, in); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		ctx = WithTransport(ctx, "mcp")
		resp, err := endpoint(ctx, in)
		if err != nil {
			msg := err.Error()
			if describe != nil {
				msg = describe(err)
			}
			var res mcp.CallToolResult
			res.SetError(errors.New(msg))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
