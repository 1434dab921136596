// CLAUDE:SUMMARY MCP tool registration for acquire, save, list, delete-slot and attribute extraction, via kit.RegisterMCPTool.
package acquire

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fanart/kit"
	"github.com/hazyhaar/fanart/preview"
)

// RegisterMCP registers the fanart tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerAcquire(srv)
	svc.registerSavePreviews(srv)
	svc.registerListPreviews(srv)
	svc.registerDeleteSlot(srv)
	svc.registerExtractAttribute(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// mcpEndpoint wraps an endpoint with logging and a deadline: stdio clients
// have no request timeout of their own.
func (svc *Service) mcpEndpoint(name string, ep kit.Endpoint) kit.Endpoint {
	limit := svc.config.DispatchTimeout + time.Minute
	return kit.Chain(kit.Logging(svc.logger, name), withDeadline(limit))(ep)
}

func withDeadline(d time.Duration) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// describeError renders an error as "kind: detail" for MCP clients.
func describeError(err error) string {
	return fmt.Sprintf("%s: %v", preview.KindOf(err), err)
}

func (svc *Service) registerAcquire(srv *mcp.Server) {
	type req struct {
		URL         string `json:"url"`
		ItemID      string `json:"item_id"`
		PreviewOnly *bool  `json:"preview_only"`
		ForceMethod string `json:"force_method"`
	}

	tool := &mcp.Tool{
		Name:        "fanart_acquire",
		Description: "Acquire preview images for a fan-art URL. Returns ranked candidates (preview_only, the default) or saves the best one as the item's thumbnail.",
		InputSchema: inputSchema(map[string]any{
			"url":          map[string]any{"type": "string", "description": "Source page URL (pixiv, twitter/x, any site). Optional when item_id has a registered link."},
			"item_id":      map[string]any{"type": "string", "description": "Catalog item ID; required to save"},
			"preview_only": map[string]any{"type": "boolean", "description": "Return candidates without saving (default true)"},
			"force_method": map[string]any{"type": "string", "description": "Run only this strategy: lightweight, api, browser"},
		}, nil),
	}

	ep := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		previewOnly := p.PreviewOnly == nil || *p.PreviewOnly
		return svc.Acquire(ctx, Request{URL: p.URL, ItemID: p.ItemID, PreviewOnly: previewOnly, Force: preview.Method(p.ForceMethod)})
	}
	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, ep), func() any { return &req{} }, describeError)
}

func (svc *Service) registerSavePreviews(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "fanart_save_previews",
		Description: "Save selected images (url or data_uri) as preview slots of an item, appended after existing slots or replacing them",
		InputSchema: inputSchema(map[string]any{
			"item_id": map[string]any{"type": "string", "description": "Catalog item ID"},
			"images": map[string]any{
				"type":        "array",
				"description": "Images in slot order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url":      map[string]any{"type": "string"},
						"data_uri": map[string]any{"type": "string"},
					},
				},
			},
			"replace": map[string]any{"type": "boolean", "description": "Clear existing slots first"},
		}, []string{"item_id", "images"}),
	}

	ep := func(ctx context.Context, r any) (any, error) {
		return svc.Save(ctx, *r.(*SaveRequest))
	}
	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, ep), func() any { return &SaveRequest{} }, describeError)
}

func (svc *Service) registerListPreviews(srv *mcp.Server) {
	type req struct {
		ItemID string `json:"item_id"`
	}

	tool := &mcp.Tool{
		Name:        "fanart_list_previews",
		Description: "List the preview slots of an item in index order (index 0 is the thumbnail)",
		InputSchema: inputSchema(map[string]any{
			"item_id": map[string]any{"type": "string", "description": "Catalog item ID"},
		}, []string{"item_id"}),
	}

	ep := func(ctx context.Context, r any) (any, error) {
		slots, err := svc.Slots(ctx, r.(*req).ItemID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": len(slots), "slots": slots}, nil
	}
	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, ep), func() any { return &req{} }, describeError)
}

func (svc *Service) registerDeleteSlot(srv *mcp.Server) {
	type req struct {
		ItemID  string `json:"item_id"`
		Index   int    `json:"index"`
		Confirm bool   `json:"confirm"`
	}

	tool := &mcp.Tool{
		Name:        "fanart_delete_slot",
		Description: "Delete one preview slot; later slots shift down by one. Requires confirm=true.",
		InputSchema: inputSchema(map[string]any{
			"item_id": map[string]any{"type": "string", "description": "Catalog item ID"},
			"index":   map[string]any{"type": "integer", "description": "Slot index (0 = thumbnail)"},
			"confirm": map[string]any{"type": "boolean", "description": "Must be true"},
		}, []string{"item_id", "index", "confirm"}),
	}

	ep := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if !p.Confirm {
			return nil, fmt.Errorf("%w: destructive operation: repeat with confirm=true", preview.ErrMalformedInput)
		}
		n, err := svc.DeleteSlot(ctx, p.ItemID, p.Index)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "deleted", "remaining": n}, nil
	}
	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, ep), func() any { return &req{} }, describeError)
}

func (svc *Service) registerExtractAttribute(srv *mcp.Server) {
	type req struct {
		URL  string `json:"url"`
		Kind string `json:"kind"`
	}

	tool := &mcp.Tool{
		Name:        "fanart_extract_attribute",
		Description: "Fetch a page and extract an attribute with the platform's ordered rule chain: author_name, embedded_url or image_url",
		InputSchema: inputSchema(map[string]any{
			"url":  map[string]any{"type": "string", "description": "Page URL"},
			"kind": map[string]any{"type": "string", "description": "author_name, embedded_url or image_url"},
		}, []string{"url", "kind"}),
	}

	ep := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.ExtractAttribute(ctx, p.URL, p.Kind)
	}
	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, ep), func() any { return &req{} }, describeError)
}
